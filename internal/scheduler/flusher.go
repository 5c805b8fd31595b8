// Package scheduler flushes due one-off scheduled messages. The sweep holds
// no state between runs beyond its timer; everything lives in the store, so a
// freshly started process picks up where the last one stopped.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	busevents "outreach/internal/events"
	"outreach/internal/model"
	"outreach/internal/storage"
	"outreach/internal/wa"
)

// Gateway is the connection-pool surface the flusher sends through.
type Gateway interface {
	IsConnected(accountID string) bool
	Send(ctx context.Context, accountID, to string, content wa.Content, opts wa.SendOptions) (string, error)
}

// Flusher periodically sweeps pending scheduled messages that are due.
type Flusher struct {
	store   *storage.Store
	gateway Gateway
	bus     busevents.Publisher
	log     zerolog.Logger

	interval  time.Duration
	batchSize int
	running   bool
	stop      chan struct{}
}

// New creates a flusher. interval defaults to one minute.
func New(store *storage.Store, gateway Gateway, bus busevents.Publisher, interval time.Duration, batchSize int, log zerolog.Logger) *Flusher {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Flusher{
		store:     store,
		gateway:   gateway,
		bus:       bus,
		log:       log.With().Str("component", "flusher").Logger(),
		interval:  interval,
		batchSize: batchSize,
		stop:      make(chan struct{}),
	}
}

// Start runs the sweep loop in a goroutine. Call Stop() to halt it.
func (f *Flusher) Start(ctx context.Context) {
	if f.running {
		return
	}
	f.running = true
	go f.loop(ctx)
}

// Stop halts the sweep loop.
func (f *Flusher) Stop() {
	if !f.running {
		return
	}
	close(f.stop)
	f.running = false
}

func (f *Flusher) loop(ctx context.Context) {
	tick := time.NewTicker(f.interval)
	defer tick.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ctx.Done():
			return
		case <-tick.C:
			f.Sweep(ctx, time.Now())
		}
	}
}

// Sweep processes one bounded batch of due messages. An offline account
// leaves its messages pending for the next sweep, no penalty; a transport
// failure is terminal for the message.
func (f *Flusher) Sweep(ctx context.Context, now time.Time) {
	due, err := f.store.DueScheduledMessages(now, f.batchSize)
	if err != nil {
		f.log.Error().Err(err).Msg("list due messages")
		return
	}
	for _, m := range due {
		if ctx.Err() != nil {
			return
		}
		if !f.gateway.IsConnected(m.AccountID) {
			f.log.Debug().Str("scheduled_id", m.ID).Str("account_id", m.AccountID).Msg("account offline, will retry next sweep")
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, 90*time.Second)
		_, err := f.gateway.Send(sendCtx, m.AccountID, m.ToPhone,
			wa.Content{Text: m.Body, MediaURL: m.MediaURL, MediaType: m.MediaType},
			wa.SendOptions{Origin: "scheduled"})
		cancel()
		if err != nil {
			f.log.Warn().Err(err).Str("scheduled_id", m.ID).Msg("scheduled send failed")
			if err := f.store.MarkScheduledFailed(m.ID, err.Error()); err != nil {
				f.log.Error().Err(err).Str("scheduled_id", m.ID).Msg("mark failed")
			}
			continue
		}
		sentAt := time.Now()
		if err := f.store.MarkScheduledSent(m.ID, sentAt); err != nil {
			f.log.Error().Err(err).Str("scheduled_id", m.ID).Msg("mark sent")
		}
		f.bus.Publish(busevents.Event{
			Type:     busevents.TypeScheduledSent,
			TenantID: m.TenantID,
			Payload: map[string]any{
				"scheduled_id": m.ID,
				"account_id":   m.AccountID,
				"status":       model.ScheduledSent,
				"sent_at":      sentAt,
			},
		})
	}
}
