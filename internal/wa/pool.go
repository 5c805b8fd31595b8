// Package wa owns the per-account WhatsApp connections: pairing, session
// lifecycle, reconnection with bounded backoff, and the single send primitive
// used by the campaign dispatcher, the scheduled flusher and autoreplies.
package wa

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"outreach/internal/config"
	busevents "outreach/internal/events"
	"outreach/internal/metrics"
	"outreach/internal/model"
	"outreach/internal/storage"
)

// Responder decides on an autoreply for one inbound message. Resolved once at
// wiring time; the pool never sends unless ok is true.
type Responder interface {
	Evaluate(ctx context.Context, accountID, tenantID string, contact *model.Contact, text string) (reply, ruleID string, ok bool)
}

// session is the pool's per-account connection record. It is exclusively
// owned by the pool; other components only go through Send.
type session struct {
	accountID string
	tenantID  string
	client    *whatsmeow.Client

	// sendMu serializes outbound traffic and the daily-quota check for this
	// account, so concurrent campaign and scheduled sends cannot race.
	sendMu sync.Mutex

	mu       sync.Mutex
	attempts int
	closing  bool
}

// Pool maintains at most one live connection per account.
type Pool struct {
	container *sqlstore.Container
	store     *storage.Store
	bus       busevents.Publisher
	responder Responder
	log       zerolog.Logger
	clientLog waLog.Logger
	httpc     *http.Client

	maxAttempts int
	baseDelay   time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// NewPool opens the whatsmeow session container on the shared SQLite DSN and
// prepares an empty session registry. responder may be nil (no autoreplies).
func NewPool(ctx context.Context, dsn string, store *storage.Store, bus busevents.Publisher, responder Responder, cfg config.PoolConfig, log zerolog.Logger) (*Pool, error) {
	poolLog := log.With().Str("component", "pool").Logger()
	clientLog := waLog.Zerolog(poolLog)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, clientLog)
	if err != nil {
		return nil, fmt.Errorf("open session container: %w", err)
	}
	return &Pool{
		container:   container,
		store:       store,
		bus:         bus,
		responder:   responder,
		log:         poolLog,
		clientLog:   clientLog,
		httpc:       &http.Client{Timeout: 60 * time.Second},
		maxAttempts: cfg.MaxReconnectAttempts,
		baseDelay:   cfg.ReconnectBaseDelay,
		sessions:    make(map[string]*session),
	}, nil
}

// ReconnectDelay returns the backoff before reconnect attempt n (1-based):
// baseDelay x 2^(n-1).
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// session returns the live session record for an account, or nil.
func (p *Pool) session(accountID string) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[accountID]
}

// ensureSession returns the session for an account, creating the whatsmeow
// client from the persisted device if one exists.
func (p *Pool) ensureSession(ctx context.Context, accountID string) (*session, error) {
	p.mu.Lock()
	if sess, ok := p.sessions[accountID]; ok {
		p.mu.Unlock()
		return sess, nil
	}
	p.mu.Unlock()

	acc, err := p.store.GetAccount(accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	device := p.container.NewDevice()
	if acc.DeviceJID != "" {
		jid, err := types.ParseJID(acc.DeviceJID)
		if err == nil {
			if existing, err := p.container.GetDevice(ctx, jid); err == nil && existing != nil {
				device = existing
			}
		}
	}

	client := whatsmeow.NewClient(device, p.clientLog)
	// The pool owns the retry policy; whatsmeow's built-in reconnect would
	// bypass the attempt cap and cause classification.
	client.EnableAutoReconnect = false

	sess := &session{accountID: accountID, tenantID: acc.TenantID, client: client}
	client.AddEventHandler(func(evt any) { p.handleEvent(sess, evt) })

	p.mu.Lock()
	if existing, ok := p.sessions[accountID]; ok {
		p.mu.Unlock()
		return existing, nil
	}
	p.sessions[accountID] = sess
	p.mu.Unlock()
	return sess, nil
}

// StartSession establishes or resumes the connection for an account. It
// returns once the handshake begins; completion is signaled through
// connection-state events.
func (p *Pool) StartSession(ctx context.Context, accountID string) error {
	sess, err := p.ensureSession(ctx, accountID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.closing = false
	sess.attempts = 0
	sess.mu.Unlock()

	if sess.client.IsConnected() {
		return nil
	}
	if sess.client.Store.ID == nil {
		return ErrNotPaired
	}
	p.setStatus(sess, model.AccountConnecting, "")
	if err := sess.client.Connect(); err != nil {
		p.log.Error().Err(err).Str("account_id", accountID).Msg("connect failed")
		p.scheduleReconnect(sess, err.Error())
		return nil
	}
	return nil
}

// IsConnected is a non-blocking liveness check.
func (p *Pool) IsConnected(accountID string) bool {
	sess := p.session(accountID)
	return sess != nil && sess.client.Store.ID != nil && sess.client.IsConnected()
}

// DisconnectSession ends the live connection but retains auth state.
func (p *Pool) DisconnectSession(accountID string) error {
	sess := p.session(accountID)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	sess.closing = true
	sess.mu.Unlock()
	if sess.client.IsConnected() {
		sess.client.Disconnect()
		metrics.ActiveSessions.Dec()
	}
	p.setStatus(sess, model.AccountDisconnected, "")
	return nil
}

// RemoveSession disconnects and deletes all persisted auth artifacts, so the
// account requires a fresh pairing.
func (p *Pool) RemoveSession(ctx context.Context, accountID string) error {
	sess := p.session(accountID)
	if sess != nil {
		sess.mu.Lock()
		sess.closing = true
		sess.mu.Unlock()
		if sess.client.Store.ID != nil {
			// Logout tells the network to unlink the device; best-effort.
			if err := sess.client.Logout(ctx); err != nil {
				p.log.Warn().Err(err).Str("account_id", accountID).Msg("logout")
			}
		}
		sess.client.Disconnect()
		if sess.client.Store.ID != nil {
			if err := p.container.DeleteDevice(ctx, sess.client.Store); err != nil {
				p.log.Warn().Err(err).Str("account_id", accountID).Msg("delete device")
			}
		}
		p.mu.Lock()
		delete(p.sessions, accountID)
		p.mu.Unlock()
	}
	if err := p.store.ClearAccountDevice(accountID); err != nil {
		return err
	}
	return p.store.UpdateAccountStatus(accountID, model.AccountRemoved, "")
}

// RestoreSessions reconnects every account that was live before the process
// went down. Called once at startup.
func (p *Pool) RestoreSessions(ctx context.Context) {
	accounts, err := p.store.ListConnectableAccounts()
	if err != nil {
		p.log.Error().Err(err).Msg("list connectable accounts")
		return
	}
	for _, acc := range accounts {
		if acc.DeviceJID == "" {
			continue
		}
		if err := p.StartSession(ctx, acc.ID); err != nil {
			p.log.Warn().Err(err).Str("account_id", acc.ID).Msg("restore session")
		}
	}
}

// Shutdown disconnects all live sessions without touching persisted status,
// so a restart restores them.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	sessions := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()
	for _, sess := range sessions {
		sess.mu.Lock()
		sess.closing = true
		sess.mu.Unlock()
		if sess.client.IsConnected() {
			sess.client.Disconnect()
			metrics.ActiveSessions.Dec()
		}
	}
	p.log.Info().Int("sessions", len(sessions)).Msg("pool shut down")
}

// handleEvent classifies connection events and routes inbound traffic.
func (p *Pool) handleEvent(sess *session, evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		sess.mu.Lock()
		sess.attempts = 0
		sess.mu.Unlock()
		metrics.ActiveSessions.Inc()
		metrics.Reconnects.WithLabelValues("success").Inc()
		if id := sess.client.Store.ID; id != nil {
			if err := p.store.SetAccountDeviceJID(sess.accountID, id.String(), id.User); err != nil {
				p.log.Warn().Err(err).Str("account_id", sess.accountID).Msg("save device jid")
			}
		}
		p.setStatus(sess, model.AccountConnected, "")

	case *events.PairSuccess:
		p.log.Info().Str("account_id", sess.accountID).Str("jid", e.ID.String()).Msg("paired")
		if err := p.store.SetAccountDeviceJID(sess.accountID, e.ID.String(), e.ID.User); err != nil {
			p.log.Warn().Err(err).Str("account_id", sess.accountID).Msg("save device jid")
		}

	case *events.LoggedOut:
		// Credential invalidation: wipe auth, require fresh pairing, no retry.
		p.log.Warn().Str("account_id", sess.accountID).Int("reason", int(e.Reason)).Msg("logged out by network")
		p.wipeAuth(sess)
		p.setStatus(sess, model.AccountDisconnected, ErrAuthInvalidated.Error())
		metrics.ActiveSessions.Dec()

	case *events.TemporaryBan:
		reason := fmt.Sprintf("temporary ban code %d, expires in %s", int(e.Code), e.Expire)
		p.log.Warn().Str("account_id", sess.accountID).Str("ban", reason).Msg("temporarily banned")
		p.setStatus(sess, model.AccountBanned, reason)
		metrics.ActiveSessions.Dec()

	case *events.StreamReplaced:
		// Another client took over the websocket; retry like any other drop.
		p.log.Warn().Str("account_id", sess.accountID).Msg("stream replaced")
		metrics.ActiveSessions.Dec()
		p.scheduleReconnect(sess, "stream replaced")

	case *events.Disconnected:
		sess.mu.Lock()
		closing := sess.closing
		sess.mu.Unlock()
		metrics.ActiveSessions.Dec()
		if closing {
			return
		}
		p.scheduleReconnect(sess, "connection dropped")

	case *events.Message:
		p.handleInbound(sess, e)

	case *events.Receipt:
		p.handleReceipt(sess, e)
	}
}

// scheduleReconnect retries with delay = baseDelay x 2^(attempt-1), capped at
// maxAttempts; exceeding the cap marks the account disconnected and stops.
func (p *Pool) scheduleReconnect(sess *session, cause string) {
	sess.mu.Lock()
	if sess.closing {
		sess.mu.Unlock()
		return
	}
	sess.attempts++
	attempt := sess.attempts
	sess.mu.Unlock()

	if attempt > p.maxAttempts {
		p.log.Error().Str("account_id", sess.accountID).Int("attempts", p.maxAttempts).Msg("reconnect attempts exhausted")
		metrics.Reconnects.WithLabelValues("gave_up").Inc()
		p.setStatus(sess, model.AccountDisconnected, "reconnect attempts exhausted: "+cause)
		return
	}

	delay := ReconnectDelay(p.baseDelay, attempt)
	p.log.Info().Str("account_id", sess.accountID).Int("attempt", attempt).Dur("delay", delay).Str("cause", cause).Msg("scheduling reconnect")
	p.setStatus(sess, model.AccountConnecting, cause)

	time.AfterFunc(delay, func() {
		sess.mu.Lock()
		closing := sess.closing
		sess.mu.Unlock()
		if closing || sess.client.IsConnected() {
			return
		}
		if err := sess.client.Connect(); err != nil {
			metrics.Reconnects.WithLabelValues("failure").Inc()
			p.scheduleReconnect(sess, err.Error())
		}
	})
}

// wipeAuth removes persisted credentials after a network-side logout.
func (p *Pool) wipeAuth(sess *session) {
	ctx := context.Background()
	if sess.client.Store.ID != nil {
		if err := p.container.DeleteDevice(ctx, sess.client.Store); err != nil {
			p.log.Warn().Err(err).Str("account_id", sess.accountID).Msg("delete device state")
		}
	}
	if err := p.store.ClearAccountDevice(sess.accountID); err != nil {
		p.log.Warn().Err(err).Str("account_id", sess.accountID).Msg("clear device jid")
	}
	p.mu.Lock()
	delete(p.sessions, sess.accountID)
	p.mu.Unlock()
}

// setStatus persists the account status and publishes a state-change event.
func (p *Pool) setStatus(sess *session, status, reason string) {
	if err := p.store.UpdateAccountStatus(sess.accountID, status, reason); err != nil {
		p.log.Warn().Err(err).Str("account_id", sess.accountID).Msg("update account status")
	}
	p.bus.Publish(busevents.Event{
		Type:     busevents.TypeConnectionState,
		TenantID: sess.tenantID,
		Payload: map[string]any{
			"account_id": sess.accountID,
			"status":     status,
			"reason":     reason,
		},
	})
}
