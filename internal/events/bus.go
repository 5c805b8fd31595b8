package events

import (
	"sync"
	"time"
)

// Event types pushed to tenant listeners.
const (
	TypePairingCode      = "pairing-code-issued"
	TypeConnectionState  = "connection-state-changed"
	TypeMessageArrived   = "message-arrived"
	TypeMessageSent      = "message-sent"
	TypeCampaignProgress = "campaign-progress"
	TypeScheduledSent    = "scheduled-sent"
)

// Event is one notification for a tenant's listeners.
type Event struct {
	Type     string    `json:"type"`
	TenantID string    `json:"tenant_id"`
	Time     time.Time `json:"time"`
	Payload  any       `json:"payload"`
}

// Publisher is the only dependency components take on the notification
// collaborator.
type Publisher interface {
	Publish(evt Event)
}

// Bus is an in-process fan-out publisher. Subscribers are tenant-scoped
// buffered channels; a slow subscriber drops events rather than blocking the
// publishing worker.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	tenantID string
	ch       chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers evt to every subscriber of its tenant. Never blocks.
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.tenantID != evt.TenantID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribe registers a listener for one tenant's events. The returned cancel
// func unregisters and closes the channel.
func (b *Bus) Subscribe(tenantID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{tenantID: tenantID, ch: make(chan Event, buffer)}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}
