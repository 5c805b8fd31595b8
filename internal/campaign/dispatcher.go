// Package campaign runs bulk sends: one background worker per campaign
// walking the ordered recipient list under daily quotas, ramp-up, randomized
// pacing and a consecutive-failure circuit breaker.
package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	busevents "outreach/internal/events"
	"outreach/internal/metrics"
	"outreach/internal/model"
	"outreach/internal/storage"
	"outreach/internal/wa"
)

// maxConsecutiveFailures trips the circuit breaker: the campaign pauses so
// the account is not flagged by the network for hammering dead numbers.
const maxConsecutiveFailures = 5

var (
	// ErrAlreadyRunning is returned when a campaign already has an active worker.
	ErrAlreadyRunning = errors.New("campaign is already dispatching")
	// ErrCompleted is returned when starting a finished campaign.
	ErrCompleted = errors.New("campaign already completed")
	// ErrAccountOffline is returned when the target account has no live connection.
	ErrAccountOffline = errors.New("campaign account is not connected")
)

// Gateway is the connection-pool surface the dispatcher sends through.
type Gateway interface {
	IsConnected(accountID string) bool
	Send(ctx context.Context, accountID, to string, content wa.Content, opts wa.SendOptions) (string, error)
}

// worker is the control block for one running campaign. Cancellation is
// cooperative: pause/abort set a flag the loop polls at its head, so they
// take effect at the next iteration boundary, never mid-send.
type worker struct {
	campaignID string
	paused     atomic.Bool
	aborted    atomic.Bool
	done       chan struct{}
}

// Dispatcher owns the running-campaign registry. A campaign in `sending`
// status has exactly one worker in this map.
type Dispatcher struct {
	store   *storage.Store
	gateway Gateway
	bus     busevents.Publisher
	log     zerolog.Logger

	mu      sync.Mutex
	workers map[string]*worker
}

// New builds a dispatcher with an empty registry.
func New(store *storage.Store, gateway Gateway, bus busevents.Publisher, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		gateway: gateway,
		bus:     bus,
		log:     log.With().Str("component", "campaign").Logger(),
		workers: make(map[string]*worker),
	}
}

// Start launches the background worker for a campaign, resuming from the
// persisted resume index. Fails if it is already dispatching or completed,
// or if the target account is offline.
func (d *Dispatcher) Start(ctx context.Context, campaignID string) error {
	c, err := d.store.GetCampaign(campaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if c.Status == model.CampaignCompleted {
		return ErrCompleted
	}
	if !d.gateway.IsConnected(c.AccountID) {
		return ErrAccountOffline
	}

	d.mu.Lock()
	if _, ok := d.workers[campaignID]; ok {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	w := &worker{campaignID: campaignID, done: make(chan struct{})}
	d.workers[campaignID] = w
	d.mu.Unlock()

	if err := d.store.UpdateCampaignStatus(campaignID, model.CampaignSending, ""); err != nil {
		d.removeWorker(w)
		return err
	}
	metrics.CampaignsRunning.Inc()
	go d.run(ctx, w, c)
	return nil
}

// Pause asks the worker to stop at the next iteration boundary. Idempotent:
// pausing a campaign with no active worker is a no-op.
func (d *Dispatcher) Pause(campaignID string) {
	d.mu.Lock()
	w := d.workers[campaignID]
	d.mu.Unlock()
	if w != nil {
		w.paused.Store(true)
	}
}

// Resume starts the campaign again from the persisted resume index.
func (d *Dispatcher) Resume(ctx context.Context, campaignID string) error {
	return d.Start(ctx, campaignID)
}

// Abort terminally fails the campaign. With an active worker the flag is
// honored at the next loop head; without one the status flips immediately.
func (d *Dispatcher) Abort(campaignID string) error {
	d.mu.Lock()
	w := d.workers[campaignID]
	d.mu.Unlock()
	if w != nil {
		w.aborted.Store(true)
		return nil
	}
	c, err := d.store.GetCampaign(campaignID)
	if err != nil {
		return err
	}
	if c.Status == model.CampaignCompleted || c.Status == model.CampaignFailed {
		return nil
	}
	return d.store.UpdateCampaignStatus(campaignID, model.CampaignFailed, "aborted")
}

// Running reports whether a campaign has an active worker.
func (d *Dispatcher) Running(campaignID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.workers[campaignID]
	return ok
}

// Shutdown pauses every running worker and waits for them to exit.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	workers := make([]*worker, 0, len(d.workers))
	for _, w := range d.workers {
		w.paused.Store(true)
		workers = append(workers, w)
	}
	d.mu.Unlock()
	for _, w := range workers {
		<-w.done
	}
}

func (d *Dispatcher) removeWorker(w *worker) {
	d.mu.Lock()
	if d.workers[w.campaignID] == w {
		delete(d.workers, w.campaignID)
	}
	d.mu.Unlock()
}

// TodayLimit computes the effective daily limit for a day number (1-based):
// floor(dailyLimit x (1 + rampUpPercent/100)^(day-1)) when ramp-up is on.
func TodayLimit(s model.CampaignSettings, dayNumber int) int {
	if !s.RampUpEnabled || s.RampUpPercent <= 0 || dayNumber <= 1 {
		return s.DailyLimit
	}
	factor := math.Pow(1+float64(s.RampUpPercent)/100, float64(dayNumber-1))
	return int(math.Floor(float64(s.DailyLimit) * factor))
}

// run is the dispatch loop: one iteration per recipient from the resume index.
func (d *Dispatcher) run(ctx context.Context, w *worker, c *model.Campaign) {
	defer close(w.done)
	defer d.removeWorker(w)
	defer metrics.CampaignsRunning.Dec()

	log := d.log.With().Str("campaign_id", c.ID).Logger()
	recipients, err := d.store.ListRecipients(c.ID)
	if err != nil {
		log.Error().Err(err).Msg("load recipients")
		if err := d.store.UpdateCampaignStatus(c.ID, model.CampaignPaused, "storage error"); err != nil {
			log.Error().Err(err).Msg("update status")
		}
		return
	}

	idx := c.ResumeIndex
	dayNumber := c.DayNumber
	dailySent := c.DailySentCount
	lastDate := c.LastSendDate
	settings := c.Settings
	consecFailures := 0
	sinceCheckpoint := 0

	persist := func(resumeAt int) {
		if err := d.store.SaveCampaignProgress(c.ID, resumeAt, dayNumber, dailySent, lastDate); err != nil {
			log.Error().Err(err).Msg("persist progress")
		}
	}
	exit := func(resumeAt int, status, reason string) {
		persist(resumeAt)
		if err := d.store.UpdateCampaignStatus(c.ID, status, reason); err != nil {
			log.Error().Err(err).Msg("update status")
		}
		d.publishProgress(c, status, resumeAt, len(recipients), dayNumber, dailySent, settings)
		log.Info().Str("status", status).Str("reason", reason).Int("resume_index", resumeAt).Msg("worker stopped")
	}

	for idx < len(recipients) {
		// 1. control flags, polled at the loop head only
		if w.aborted.Load() {
			exit(idx, model.CampaignFailed, "aborted")
			return
		}
		if w.paused.Load() || ctx.Err() != nil {
			exit(idx, model.CampaignPaused, model.PauseReasonUserRequest)
			return
		}

		// 2. settings changes apply at iteration boundaries, never mid-send
		if fresh, err := d.store.GetCampaign(c.ID); err == nil {
			settings = fresh.Settings
		}

		// 3. day rollover
		today := time.Now().Format("2006-01-02")
		if lastDate == "" {
			lastDate = today
		} else if lastDate != today {
			dayNumber++
			dailySent = 0
			lastDate = today
		}

		// 4. effective limit for today
		todayLimit := TodayLimit(settings, dayNumber)
		if todayLimit > 0 && dailySent >= todayLimit {
			exit(idx, model.CampaignPaused, model.PauseReasonDailyLimit)
			return
		}

		// 5. safe resume: never re-send a terminal recipient
		r := &recipients[idx]
		if isHandled(r.Status) {
			idx++
			continue
		}

		// 6. render and send
		body := Interpolate(c.Template, r)
		wireID, err := d.gateway.Send(ctx, c.AccountID, r.Phone,
			wa.Content{Text: body, MediaURL: c.MediaURL, MediaType: c.MediaType},
			wa.SendOptions{CampaignID: c.ID, Origin: "campaign"})

		switch {
		case err == nil:
			if err := d.store.MarkRecipientSent(r.ID, wireID, time.Now()); err != nil {
				log.Error().Err(err).Str("recipient_id", r.ID).Msg("mark sent")
			}
			r.Status = model.RecipientSent
			dailySent++
			consecFailures = 0

		case errors.Is(err, wa.ErrDailyLimitExceeded):
			// account-level quota, not a recipient fault: pause here and
			// leave the recipient pending for the next day
			exit(idx, model.CampaignPaused, model.PauseReasonDailyLimit)
			return

		default:
			log.Warn().Err(err).Int("position", idx).Msg("recipient send failed")
			if err := d.store.MarkRecipientFailed(r.ID, short(err.Error())); err != nil {
				log.Error().Err(err).Str("recipient_id", r.ID).Msg("mark failed")
			}
			r.Status = model.RecipientFailed
			consecFailures++
			if consecFailures >= maxConsecutiveFailures {
				exit(idx+1, model.CampaignPaused, model.PauseReasonFailures)
				return
			}
		}

		idx++
		sinceCheckpoint++

		// 7. checkpoint every batchSize recipients, not every send
		if sinceCheckpoint >= settings.BatchSize {
			persist(idx)
			d.publishProgress(c, model.CampaignSending, idx, len(recipients), dayNumber, dailySent, settings)
			sinceCheckpoint = 0
		}

		// 8. pacing: the loop's only voluntary suspension point
		if idx < len(recipients) {
			if err := sleepDelay(ctx, settings); err != nil {
				exit(idx, model.CampaignPaused, model.PauseReasonUserRequest)
				return
			}
		}
	}

	exit(len(recipients), model.CampaignCompleted, "")
}

// isHandled reports recipients the resume loop must not attempt again.
func isHandled(status string) bool {
	switch status {
	case model.RecipientSent, model.RecipientDelivered, model.RecipientRead, model.RecipientSkipped:
		return true
	}
	return false
}

// sleepDelay waits the configured inter-send delay: randomized in
// [delayMin, delayMax], or fixed delayMin when randomization is off.
func sleepDelay(ctx context.Context, s model.CampaignSettings) error {
	min := time.Duration(s.DelayMinSec) * time.Second
	max := time.Duration(s.DelayMaxSec) * time.Second
	wait := min
	if s.RandomDelay && max > min {
		wait = min + time.Duration(rand.Int63n(int64(max-min)))
	}
	if wait <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interpolate substitutes {name}, {phone} and any recipient variables into
// the campaign template.
func Interpolate(template string, r *model.Recipient) string {
	out := strings.ReplaceAll(template, "{name}", r.Name)
	out = strings.ReplaceAll(out, "{phone}", r.Phone)
	if r.Variables != "" {
		var vars map[string]string
		if err := json.Unmarshal([]byte(r.Variables), &vars); err == nil {
			for k, v := range vars {
				out = strings.ReplaceAll(out, "{"+k+"}", v)
			}
		}
	}
	return out
}

// EstimateSecondsRemaining projects completion time from the average delay
// and the remaining-today vs future-day quota split.
func EstimateSecondsRemaining(remaining, todayLimit, dailySent, dayNumber int, s model.CampaignSettings) int {
	if remaining <= 0 {
		return 0
	}
	avg := float64(s.DelayMinSec+s.DelayMaxSec) / 2
	if avg <= 0 {
		avg = 1
	}
	if todayLimit <= 0 {
		return int(float64(remaining) * avg)
	}
	remainingToday := todayLimit - dailySent
	if remainingToday < 0 {
		remainingToday = 0
	}
	if remaining <= remainingToday {
		return int(float64(remaining) * avg)
	}
	secs := float64(remainingToday) * avg
	left := remaining - remainingToday
	day := dayNumber
	for left > 0 && day-dayNumber < 365 {
		day++
		secs += 86400 // wait out the day boundary
		limit := TodayLimit(s, day)
		if limit <= 0 {
			limit = left
		}
		n := left
		if n > limit {
			n = limit
		}
		secs += float64(n) * avg
		left -= n
	}
	return int(secs)
}

func (d *Dispatcher) publishProgress(c *model.Campaign, status string, idx, total, dayNumber, dailySent int, settings model.CampaignSettings) {
	stats, err := d.store.GetCampaignStats(c.ID)
	if err != nil {
		d.log.Warn().Err(err).Str("campaign_id", c.ID).Msg("campaign stats")
	}
	progress := 0
	if total > 0 {
		progress = idx * 100 / total
	}
	todayLimit := TodayLimit(settings, dayNumber)
	d.bus.Publish(busevents.Event{
		Type:     busevents.TypeCampaignProgress,
		TenantID: c.TenantID,
		Payload: map[string]any{
			"campaign_id":                 c.ID,
			"status":                      status,
			"progress":                    progress,
			"current_index":               idx,
			"stats":                       stats,
			"day_number":                  dayNumber,
			"daily_sent_count":            dailySent,
			"today_limit":                 todayLimit,
			"estimated_seconds_remaining": EstimateSecondsRemaining(total-idx, todayLimit, dailySent, dayNumber, settings),
		},
	})
}

func short(s string) string {
	if len(s) <= 250 {
		return s
	}
	return s[:250]
}
