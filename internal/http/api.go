// Package httpapi exposes the management control surface: account linking and
// session control, one-off sends, campaign control, chatbot rules and
// scheduled messages. Validation and permission checks beyond basic shape
// live in the upstream API layer.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"outreach/internal/campaign"
	busevents "outreach/internal/events"
	"outreach/internal/model"
	"outreach/internal/scheduler"
	"outreach/internal/storage"
	"outreach/internal/wa"
)

type API struct {
	Store      *storage.Store
	Pool       *wa.Pool
	Dispatcher *campaign.Dispatcher
	Flusher    *scheduler.Flusher
	Bus        *busevents.Bus
	Log        zerolog.Logger
	Router     *chi.Mux

	pairingTimeout time.Duration
}

// NewRouter wires the management API.
func NewRouter(store *storage.Store, pool *wa.Pool, dispatcher *campaign.Dispatcher, flusher *scheduler.Flusher, bus *busevents.Bus, pairingTimeout time.Duration, log zerolog.Logger) *chi.Mux {
	api := &API{
		Store:          store,
		Pool:           pool,
		Dispatcher:     dispatcher,
		Flusher:        flusher,
		Bus:            bus,
		Log:            log.With().Str("component", "http").Logger(),
		Router:         chi.NewRouter(),
		pairingTimeout: pairingTimeout,
	}
	r := api.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors)

	api.routes()
	return r
}

func (a *API) routes() {
	a.Router.Get("/api/health", a.handleHealth)
	a.Router.Handle("/metrics", promhttp.Handler())

	// Accounts & sessions
	a.Router.Get("/api/accounts", a.handleListAccounts)
	a.Router.Post("/api/accounts", a.handleCreateAccount)
	a.Router.Put("/api/accounts/{id}/settings", a.handleUpdateAccountSettings)
	a.Router.Delete("/api/accounts/{id}", a.handleRemoveAccount)
	a.Router.Post("/api/accounts/{id}/pair/code", a.handlePairCode)
	a.Router.Get("/api/accounts/{id}/pair/qr", a.handlePairQR)
	a.Router.Post("/api/accounts/{id}/connect", a.handleConnect)
	a.Router.Post("/api/accounts/{id}/disconnect", a.handleDisconnect)
	a.Router.Get("/api/accounts/{id}/contacts", a.handleListContacts)

	// One-off send
	a.Router.Post("/api/messages/send", a.handleSendMessage)

	// Campaigns
	a.Router.Get("/api/campaigns", a.handleListCampaigns)
	a.Router.Post("/api/campaigns", a.handleCreateCampaign)
	a.Router.Get("/api/campaigns/{id}", a.handleGetCampaign)
	a.Router.Put("/api/campaigns/{id}/settings", a.handleUpdateCampaignSettings)
	a.Router.Post("/api/campaigns/{id}/start", a.handleStartCampaign)
	a.Router.Post("/api/campaigns/{id}/pause", a.handlePauseCampaign)
	a.Router.Post("/api/campaigns/{id}/resume", a.handleResumeCampaign)
	a.Router.Post("/api/campaigns/{id}/abort", a.handleAbortCampaign)

	// Chatbot rules
	a.Router.Get("/api/rules", a.handleListRules)
	a.Router.Post("/api/rules", a.handleCreateRule)
	a.Router.Put("/api/rules/{id}", a.handleUpdateRule)
	a.Router.Delete("/api/rules/{id}", a.handleDeleteRule)

	// Scheduled messages
	a.Router.Get("/api/scheduled", a.handleListScheduled)
	a.Router.Post("/api/scheduled", a.handleCreateScheduled)
	a.Router.Post("/api/scheduled/{id}/cancel", a.handleCancelScheduled)

	// Event streaming (SSE)
	a.Router.Get("/api/events", a.handleEventStream)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tenantID comes from the upstream gateway, which has already authenticated
// the caller.
func tenantID(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return "default"
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Format(time.RFC3339),
	})
}

// ---- accounts ----

type createAccountReq struct {
	Label    string                 `json:"label"`
	Msisdn   string                 `json:"msisdn"`
	Settings *model.AccountSettings `json:"settings"`
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Label == "" {
		writeErr(w, http.StatusBadRequest, "label required")
		return
	}
	settings := model.AccountSettings{DailyLimit: 100, DelayMinSec: 3, DelayMaxSec: 10}
	if req.Settings != nil {
		settings = *req.Settings
	}
	id, err := a.Store.CreateAccount(tenantID(r), req.Label, req.Msisdn, settings)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListAccounts(tenantID(r))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	for i := range list {
		list[i].Status = a.liveStatus(&list[i])
	}
	writeJSON(w, http.StatusOK, list)
}

// liveStatus overlays the pool's in-memory view on the persisted status.
func (a *API) liveStatus(acc *model.Account) string {
	if a.Pool.IsConnected(acc.ID) {
		return model.AccountConnected
	}
	if acc.Status == model.AccountConnected {
		return model.AccountDisconnected
	}
	return acc.Status
}

func (a *API) handleUpdateAccountSettings(w http.ResponseWriter, r *http.Request) {
	var settings model.AccountSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := a.Store.UpdateAccountSettings(chi.URLParam(r, "id"), settings); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Pool.RemoveSession(r.Context(), id); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := a.Store.DeleteAccount(id); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type pairCodeReq struct {
	Msisdn string `json:"msisdn"`
}

func (a *API) handlePairCode(w http.ResponseWriter, r *http.Request) {
	var req pairCodeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Msisdn == "" {
		writeErr(w, http.StatusBadRequest, "msisdn required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.pairingTimeout)
	defer cancel()
	code, err := a.Pool.PairWithCode(ctx, chi.URLParam(r, "id"), req.Msisdn)
	if err != nil {
		writeErr(w, pairingStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": code})
}

func (a *API) handlePairQR(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.pairingTimeout)
	defer cancel()
	png, _, err := a.Pool.PairQR(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, pairingStatus(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func pairingStatus(err error) int {
	if errors.Is(err, wa.ErrAlreadyPaired) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := a.Pool.StartSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, wa.ErrNotPaired) {
			code = http.StatusConflict
		}
		writeErr(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := a.Pool.DisconnectSession(chi.URLParam(r, "id")); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleListContacts(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListContacts(chi.URLParam(r, "id"), 200)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ---- one-off send ----

type sendMessageReq struct {
	AccountID string `json:"account_id"`
	To        string `json:"to"`
	Text      string `json:"text"`
	MediaURL  string `json:"media_url"`
	MediaType string `json:"media_type"`
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AccountID == "" || req.To == "" {
		writeErr(w, http.StatusBadRequest, "account_id and to required")
		return
	}
	wireID, err := a.Pool.Send(r.Context(), req.AccountID, req.To,
		wa.Content{Text: req.Text, MediaURL: req.MediaURL, MediaType: req.MediaType},
		wa.SendOptions{Origin: "manual"})
	if err != nil {
		switch {
		case errors.Is(err, wa.ErrNotConnected):
			writeErr(w, http.StatusConflict, err.Error())
		case errors.Is(err, wa.ErrDailyLimitExceeded):
			writeErr(w, http.StatusTooManyRequests, err.Error())
		default:
			writeErr(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wire_id": wireID})
}

// ---- campaigns ----

type createCampaignReq struct {
	AccountID  string                  `json:"account_id"`
	Name       string                  `json:"name"`
	Template   string                  `json:"template"`
	MediaURL   string                  `json:"media_url"`
	MediaType  string                  `json:"media_type"`
	Settings   *model.CampaignSettings `json:"settings"`
	Recipients []model.Recipient       `json:"recipients"`
}

func (a *API) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AccountID == "" || req.Name == "" || len(req.Recipients) == 0 {
		writeErr(w, http.StatusBadRequest, "account_id, name and recipients required")
		return
	}
	settings := model.CampaignSettings{BatchSize: 10, DelayMinSec: 3, DelayMaxSec: 10, RandomDelay: true, DailyLimit: 100}
	if req.Settings != nil {
		settings = *req.Settings
	}
	c := &model.Campaign{
		TenantID:  tenantID(r),
		AccountID: req.AccountID,
		Name:      req.Name,
		Template:  req.Template,
		MediaURL:  req.MediaURL,
		MediaType: req.MediaType,
		Settings:  settings,
	}
	id, err := a.Store.CreateCampaign(c, req.Recipients)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListCampaigns(tenantID(r))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := a.Store.GetCampaign(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeErr(w, http.StatusNotFound, "campaign not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats, err := a.Store.GetCampaignStats(c.ID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign": c, "stats": stats, "running": a.Dispatcher.Running(c.ID)})
}

func (a *API) handleUpdateCampaignSettings(w http.ResponseWriter, r *http.Request) {
	var settings model.CampaignSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	// a running worker picks this up at its next iteration boundary
	if err := a.Store.UpdateCampaignSettings(chi.URLParam(r, "id"), settings); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	a.startCampaign(w, r, chi.URLParam(r, "id"))
}

func (a *API) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	a.startCampaign(w, r, chi.URLParam(r, "id"))
}

func (a *API) startCampaign(w http.ResponseWriter, r *http.Request, id string) {
	err := a.Dispatcher.Start(context.Background(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	case errors.Is(err, campaign.ErrAlreadyRunning):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, campaign.ErrCompleted):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, campaign.ErrAccountOffline):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, sql.ErrNoRows):
		writeErr(w, http.StatusNotFound, "campaign not found")
	default:
		writeErr(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *API) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	a.Dispatcher.Pause(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (a *API) handleAbortCampaign(w http.ResponseWriter, r *http.Request) {
	if err := a.Dispatcher.Abort(chi.URLParam(r, "id")); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// ---- chatbot rules ----

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListRules(tenantID(r))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule model.ChatbotRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if rule.Name == "" || rule.TriggerType == "" {
		writeErr(w, http.StatusBadRequest, "name and trigger_type required")
		return
	}
	rule.TenantID = tenantID(r)
	id, err := a.Store.CreateRule(&rule)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule model.ChatbotRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	rule.ID = chi.URLParam(r, "id")
	if err := a.Store.UpdateRule(&rule); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.DeleteRule(chi.URLParam(r, "id")); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ---- scheduled messages ----

type createScheduledReq struct {
	AccountID   string    `json:"account_id"`
	To          string    `json:"to"`
	Text        string    `json:"text"`
	MediaURL    string    `json:"media_url"`
	MediaType   string    `json:"media_type"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (a *API) handleCreateScheduled(w http.ResponseWriter, r *http.Request) {
	var req createScheduledReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AccountID == "" || req.To == "" || req.ScheduledAt.IsZero() {
		writeErr(w, http.StatusBadRequest, "account_id, to and scheduled_at required")
		return
	}
	id, err := a.Store.CreateScheduledMessage(&model.ScheduledMessage{
		TenantID:    tenantID(r),
		AccountID:   req.AccountID,
		ToPhone:     req.To,
		Body:        req.Text,
		MediaURL:    req.MediaURL,
		MediaType:   req.MediaType,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handleListScheduled(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListScheduledMessages(tenantID(r))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleCancelScheduled(w http.ResponseWriter, r *http.Request) {
	n, err := a.Store.CancelScheduledMessage(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n == 0 {
		writeErr(w, http.StatusConflict, "message is not pending")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ---- event streaming ----

func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel := a.Bus.Subscribe(tenantID(r), 64)
	defer cancel()

	// kick off stream
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = w.Write([]byte(":keepalive\n\n"))
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: " + evt.Type + "\ndata: "))
			_, _ = w.Write(b)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		// client went away mid-write; nothing to do
		_ = err
	}
}
