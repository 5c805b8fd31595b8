package events

import "testing"

func TestPublishReachesTenantSubscribers(t *testing.T) {
	b := NewBus()
	ch1, cancel1 := b.Subscribe("tenant-1", 4)
	defer cancel1()
	ch2, cancel2 := b.Subscribe("tenant-2", 4)
	defer cancel2()

	b.Publish(Event{Type: TypeMessageArrived, TenantID: "tenant-1"})

	select {
	case evt := <-ch1:
		if evt.Type != TypeMessageArrived {
			t.Fatalf("type = %s", evt.Type)
		}
		if evt.Time.IsZero() {
			t.Fatal("publish did not stamp the event time")
		}
	default:
		t.Fatal("tenant-1 subscriber got nothing")
	}
	select {
	case evt := <-ch2:
		t.Fatalf("tenant-2 received foreign event %s", evt.Type)
	default:
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe("tenant-1", 2)
	defer cancel()

	// overflow the buffer; extra events drop instead of blocking
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: TypeCampaignProgress, TenantID: "tenant-1"})
	}
	if got := len(ch); got != 2 {
		t.Fatalf("buffered = %d, want 2", got)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe("tenant-1", 1)
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after cancel")
	}
	// idempotent
	cancel()
	// publishing after cancel must not panic on the closed channel
	b.Publish(Event{Type: TypeMessageSent, TenantID: "tenant-1"})
}
