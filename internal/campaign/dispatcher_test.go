package campaign

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	busevents "outreach/internal/events"
	"outreach/internal/model"
	"outreach/internal/storage"
	"outreach/internal/wa"
)

// fakeGateway counts sends per phone and fails according to failFrom / errFor.
type fakeGateway struct {
	mu        sync.Mutex
	connected bool
	sends     map[string]int
	order     []string
	failFrom  int                  // fail every send at call index >= failFrom (-1 = never)
	errFor    map[string]error     // per-phone error override
	calls     int
	notify    chan string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{connected: true, sends: make(map[string]int), failFrom: -1, errFor: make(map[string]error)}
}

func (g *fakeGateway) IsConnected(string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *fakeGateway) Send(ctx context.Context, accountID, to string, content wa.Content, opts wa.SendOptions) (string, error) {
	g.mu.Lock()
	call := g.calls
	g.calls++
	g.sends[to]++
	g.order = append(g.order, to)
	err := g.errFor[to]
	failFrom := g.failFrom
	notify := g.notify
	g.mu.Unlock()

	if notify != nil {
		select {
		case notify <- to:
		default:
		}
	}
	if err != nil {
		return "", err
	}
	if failFrom >= 0 && call >= failFrom {
		return "", errors.New("number not on whatsapp")
	}
	return fmt.Sprintf("WIRE-%d", call), nil
}

func (g *fakeGateway) sendCount(to string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sends[to]
}

func (g *fakeGateway) totalSends() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on"
	s, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func phone(i int) string { return fmt.Sprintf("62811%07d", i) }

func seedCampaign(t *testing.T, s *storage.Store, n int, settings model.CampaignSettings) (string, string) {
	t.Helper()
	accID, err := s.CreateAccount("tenant-1", "sender", "628100000001", model.AccountSettings{DailyLimit: 10000})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	recipients := make([]model.Recipient, n)
	for i := range recipients {
		recipients[i] = model.Recipient{Phone: phone(i), Name: fmt.Sprintf("Contact %d", i)}
	}
	id, err := s.CreateCampaign(&model.Campaign{
		TenantID:  "tenant-1",
		AccountID: accID,
		Name:      "promo",
		Template:  "Halo {name}",
		Settings:  settings,
	}, recipients)
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return id, accID
}

func waitDone(t *testing.T, d *Dispatcher, campaignID string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !d.Running(campaignID) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker did not stop in time")
}

func fastSettings() model.CampaignSettings {
	return model.CampaignSettings{BatchSize: 10, DailyLimit: 10000}
}

func TestDispatchCompletes(t *testing.T) {
	s := newTestStore(t)
	gw := newFakeGateway()
	d := New(s, gw, busevents.NewBus(), zerolog.Nop())

	id, _ := seedCampaign(t, s, 25, fastSettings())
	if err := d.Start(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, d, id)

	c, err := s.GetCampaign(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != model.CampaignCompleted {
		t.Fatalf("status = %s (%s), want completed", c.Status, c.StatusReason)
	}
	if c.ResumeIndex != 25 {
		t.Fatalf("resume_index = %d, want 25", c.ResumeIndex)
	}
	stats, _ := s.GetCampaignStats(id)
	if stats.Sent != 25 || stats.Pending != 0 {
		t.Fatalf("stats = %+v, want 25 sent", stats)
	}
	if gw.totalSends() != 25 {
		t.Fatalf("gateway saw %d sends, want 25", gw.totalSends())
	}
}

func TestDispatchCircuitBreaker(t *testing.T) {
	s := newTestStore(t)
	gw := newFakeGateway()
	gw.failFrom = 3 // first 3 sends succeed, everything after fails
	d := New(s, gw, busevents.NewBus(), zerolog.Nop())

	id, _ := seedCampaign(t, s, 25, fastSettings())
	if err := d.Start(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, d, id)

	c, _ := s.GetCampaign(id)
	if c.Status != model.CampaignPaused {
		t.Fatalf("status = %s, want paused", c.Status)
	}
	if c.StatusReason != model.PauseReasonFailures {
		t.Fatalf("reason = %s, want %s", c.StatusReason, model.PauseReasonFailures)
	}
	// 3 sent + 5 consecutive failures, cursor lands past the last failure
	if c.ResumeIndex != 8 {
		t.Fatalf("resume_index = %d, want 8", c.ResumeIndex)
	}
	stats, _ := s.GetCampaignStats(id)
	if stats.Sent != 3 || stats.Failed != 5 {
		t.Fatalf("stats = %+v, want 3 sent / 5 failed", stats)
	}
}

func TestResumeSkipsHandledRecipients(t *testing.T) {
	s := newTestStore(t)
	gw := newFakeGateway()
	gw.failFrom = 3
	d := New(s, gw, busevents.NewBus(), zerolog.Nop())

	id, _ := seedCampaign(t, s, 25, fastSettings())
	if err := d.Start(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, d, id)

	// recover the transport and resume
	gw.mu.Lock()
	gw.failFrom = -1
	gw.mu.Unlock()
	if err := d.Resume(context.Background(), id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitDone(t, d, id)

	c, _ := s.GetCampaign(id)
	if c.Status != model.CampaignCompleted {
		t.Fatalf("status = %s (%s), want completed", c.Status, c.StatusReason)
	}
	for i := 0; i < 3; i++ {
		if n := gw.sendCount(phone(i)); n != 1 {
			t.Fatalf("recipient %d re-sent: %d attempts", i, n)
		}
	}
	// failed recipients before the cursor are not retried either
	for i := 3; i < 8; i++ {
		if n := gw.sendCount(phone(i)); n != 1 {
			t.Fatalf("failed recipient %d retried: %d attempts", i, n)
		}
	}
	stats, _ := s.GetCampaignStats(id)
	if stats.Sent != 20 || stats.Failed != 5 {
		t.Fatalf("stats = %+v, want 20 sent / 5 failed", stats)
	}
}

func TestDispatchPause(t *testing.T) {
	s := newTestStore(t)
	gw := newFakeGateway()
	gw.notify = make(chan string, 1)
	d := New(s, gw, busevents.NewBus(), zerolog.Nop())

	settings := fastSettings()
	settings.DelayMinSec = 1 // leave a window between sends for the flag
	id, _ := seedCampaign(t, s, 10, settings)
	if err := d.Start(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-gw.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("first send never happened")
	}
	d.Pause(id)
	waitDone(t, d, id)

	c, _ := s.GetCampaign(id)
	if c.Status != model.CampaignPaused {
		t.Fatalf("status = %s, want paused", c.Status)
	}
	if c.StatusReason != model.PauseReasonUserRequest {
		t.Fatalf("reason = %s, want %s", c.StatusReason, model.PauseReasonUserRequest)
	}
	stats, _ := s.GetCampaignStats(id)
	if c.ResumeIndex != stats.Sent {
		t.Fatalf("resume_index %d does not match sent count %d", c.ResumeIndex, stats.Sent)
	}
	if c.ResumeIndex == 0 || c.ResumeIndex == 10 {
		t.Fatalf("resume_index = %d, want a mid-run value", c.ResumeIndex)
	}
}

func TestDispatchCampaignDailyLimit(t *testing.T) {
	s := newTestStore(t)
	gw := newFakeGateway()
	d := New(s, gw, busevents.NewBus(), zerolog.Nop())

	settings := fastSettings()
	settings.DailyLimit = 2
	id, _ := seedCampaign(t, s, 5, settings)
	if err := d.Start(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, d, id)

	c, _ := s.GetCampaign(id)
	if c.Status != model.CampaignPaused || c.StatusReason != model.PauseReasonDailyLimit {
		t.Fatalf("status = %s (%s), want paused (%s)", c.Status, c.StatusReason, model.PauseReasonDailyLimit)
	}
	if c.ResumeIndex != 2 {
		t.Fatalf("resume_index = %d, want 2", c.ResumeIndex)
	}
	if c.DailySentCount != 2 {
		t.Fatalf("daily_sent_count = %d, want 2", c.DailySentCount)
	}
	if gw.totalSends() != 2 {
		t.Fatalf("gateway saw %d sends, want 2", gw.totalSends())
	}
}

func TestDispatchAccountQuotaPauses(t *testing.T) {
	s := newTestStore(t)
	gw := newFakeGateway()
	gw.errFor[phone(2)] = wa.ErrDailyLimitExceeded
	d := New(s, gw, busevents.NewBus(), zerolog.Nop())

	id, _ := seedCampaign(t, s, 5, fastSettings())
	if err := d.Start(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, d, id)

	c, _ := s.GetCampaign(id)
	if c.Status != model.CampaignPaused || c.StatusReason != model.PauseReasonDailyLimit {
		t.Fatalf("status = %s (%s), want paused daily limit", c.Status, c.StatusReason)
	}
	// the quota-hit recipient stays pending for the next day
	if c.ResumeIndex != 2 {
		t.Fatalf("resume_index = %d, want 2", c.ResumeIndex)
	}
	stats, _ := s.GetCampaignStats(id)
	if stats.Sent != 2 || stats.Failed != 0 || stats.Pending != 3 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestStartErrors(t *testing.T) {
	s := newTestStore(t)
	gw := newFakeGateway()
	d := New(s, gw, busevents.NewBus(), zerolog.Nop())

	id, _ := seedCampaign(t, s, 3, fastSettings())

	gw.mu.Lock()
	gw.connected = false
	gw.mu.Unlock()
	if err := d.Start(context.Background(), id); !errors.Is(err, ErrAccountOffline) {
		t.Fatalf("offline start: %v, want ErrAccountOffline", err)
	}

	gw.mu.Lock()
	gw.connected = true
	gw.mu.Unlock()
	if err := d.Start(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, d, id)
	if err := d.Start(context.Background(), id); !errors.Is(err, ErrCompleted) {
		t.Fatalf("completed start: %v, want ErrCompleted", err)
	}
}

func TestAbortWithoutWorker(t *testing.T) {
	s := newTestStore(t)
	d := New(s, newFakeGateway(), busevents.NewBus(), zerolog.Nop())

	id, _ := seedCampaign(t, s, 3, fastSettings())
	if err := d.Abort(id); err != nil {
		t.Fatalf("abort: %v", err)
	}
	c, _ := s.GetCampaign(id)
	if c.Status != model.CampaignFailed || c.StatusReason != "aborted" {
		t.Fatalf("status = %s (%s), want failed (aborted)", c.Status, c.StatusReason)
	}
}

func TestTodayLimit(t *testing.T) {
	ramped := model.CampaignSettings{DailyLimit: 100, RampUpEnabled: true, RampUpPercent: 15}
	cases := []struct {
		name     string
		settings model.CampaignSettings
		day      int
		want     int
	}{
		{"day one is the base", ramped, 1, 100},
		{"day two", ramped, 2, 115},
		{"day three floors the product", ramped, 3, 132},
		{"ramp disabled", model.CampaignSettings{DailyLimit: 100}, 5, 100},
		{"zero percent", model.CampaignSettings{DailyLimit: 100, RampUpEnabled: true}, 5, 100},
		{"day zero clamps", ramped, 0, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TodayLimit(tc.settings, tc.day); got != tc.want {
				t.Fatalf("TodayLimit(day=%d) = %d, want %d", tc.day, got, tc.want)
			}
		})
	}
}

func TestInterpolate(t *testing.T) {
	cases := []struct {
		name     string
		template string
		r        model.Recipient
		want     string
	}{
		{
			"name and phone",
			"Halo {name}, nomor {phone}",
			model.Recipient{Name: "Budi", Phone: "628111"},
			"Halo Budi, nomor 628111",
		},
		{
			"custom variables",
			"Kode promo {code} untuk {name}",
			model.Recipient{Name: "Sari", Variables: `{"code":"HEMAT20"}`},
			"Kode promo HEMAT20 untuk Sari",
		},
		{
			"unknown placeholder passes through",
			"Hi {name}, klaim {voucher}",
			model.Recipient{Name: "Adi"},
			"Hi Adi, klaim {voucher}",
		},
		{
			"broken variables ignored",
			"Hi {name}",
			model.Recipient{Name: "Adi", Variables: `{broken`},
			"Hi Adi",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Interpolate(tc.template, &tc.r); got != tc.want {
				t.Fatalf("Interpolate = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEstimateSecondsRemaining(t *testing.T) {
	s := model.CampaignSettings{DelayMinSec: 4, DelayMaxSec: 6} // avg 5s
	if got := EstimateSecondsRemaining(0, 100, 0, 1, s); got != 0 {
		t.Fatalf("done campaign estimate = %d, want 0", got)
	}
	if got := EstimateSecondsRemaining(10, 0, 0, 1, s); got != 50 {
		t.Fatalf("no-limit estimate = %d, want 50", got)
	}
	if got := EstimateSecondsRemaining(10, 100, 95, 1, s); got != 25+86400+5*5 {
		// 5 left today, then a day boundary, then 5 more
		t.Fatalf("split estimate = %d, want %d", got, 25+86400+25)
	}
}
