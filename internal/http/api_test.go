package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"outreach/internal/campaign"
	"outreach/internal/config"
	busevents "outreach/internal/events"
	"outreach/internal/scheduler"
	"outreach/internal/storage"
	"outreach/internal/wa"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on"
	store, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := busevents.NewBus()
	log := zerolog.Nop()
	pool, err := wa.NewPool(context.Background(), dsn, store, bus, nil,
		config.PoolConfig{MaxReconnectAttempts: 5, ReconnectBaseDelay: 2 * time.Second}, log)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(pool.Shutdown)
	dispatcher := campaign.New(store, pool, bus, log)
	flusher := scheduler.New(store, pool, bus, time.Minute, 50, log)

	srv := httptest.NewServer(NewRouter(store, pool, dispatcher, flusher, bus, 30*time.Second, log))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, tenant string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	var out map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return res.StatusCode, out
}

func doList(t *testing.T, url, tenant string) (int, []map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("X-Tenant-ID", tenant)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer res.Body.Close()
	var out []map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res.StatusCode, out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	code, body := do(t, http.MethodGet, srv.URL+"/api/health", "", nil)
	if code != http.StatusOK || body["ok"] != true {
		t.Fatalf("health = %d %v", code, body)
	}
}

func TestAccountLifecycle(t *testing.T) {
	srv := newTestServer(t)

	code, body := do(t, http.MethodPost, srv.URL+"/api/accounts", "tenant-1",
		map[string]any{"label": "store front", "msisdn": "628100000001"})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %v", code, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatal("no account id returned")
	}

	code, list := doList(t, srv.URL+"/api/accounts", "tenant-1")
	if code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list = %d, %d accounts", code, len(list))
	}
	if list[0]["status"] != "connecting" {
		t.Fatalf("status = %v, want connecting overlay", list[0]["status"])
	}

	// tenants never see each other's accounts
	if _, list := doList(t, srv.URL+"/api/accounts", "tenant-2"); len(list) != 0 {
		t.Fatalf("tenant leak: %d accounts", len(list))
	}

	// unpaired account cannot connect
	code, body = do(t, http.MethodPost, srv.URL+"/api/accounts/"+id+"/connect", "tenant-1", nil)
	if code != http.StatusConflict {
		t.Fatalf("connect unpaired = %d %v", code, body)
	}

	code, _ = do(t, http.MethodPost, srv.URL+"/api/accounts", "tenant-1", map[string]any{})
	if code != http.StatusBadRequest {
		t.Fatalf("create without label = %d", code)
	}
}

func TestSendRequiresConnection(t *testing.T) {
	srv := newTestServer(t)
	code, body := do(t, http.MethodPost, srv.URL+"/api/accounts", "tenant-1", map[string]any{"label": "a"})
	if code != http.StatusCreated {
		t.Fatalf("create = %d", code)
	}
	id := body["id"].(string)

	code, body = do(t, http.MethodPost, srv.URL+"/api/messages/send", "tenant-1",
		map[string]any{"account_id": id, "to": "628400000001", "text": "hi"})
	if code != http.StatusConflict {
		t.Fatalf("send offline = %d %v", code, body)
	}
}

func TestRuleCRUD(t *testing.T) {
	srv := newTestServer(t)

	code, body := do(t, http.MethodPost, srv.URL+"/api/rules", "tenant-1", map[string]any{
		"name": "greeting", "trigger_type": "contains", "pattern": "halo", "reply": "Halo!", "enabled": true,
	})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %v", code, body)
	}
	id := body["id"].(string)

	code, list := doList(t, srv.URL+"/api/rules", "tenant-1")
	if code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list = %d, %d rules", code, len(list))
	}

	code, _ = do(t, http.MethodPut, srv.URL+"/api/rules/"+id, "tenant-1", map[string]any{
		"name": "greeting", "trigger_type": "contains", "pattern": "halo", "reply": "Selamat datang!", "enabled": true,
	})
	if code != http.StatusOK {
		t.Fatalf("update = %d", code)
	}
	_, list = doList(t, srv.URL+"/api/rules", "tenant-1")
	if list[0]["reply"] != "Selamat datang!" {
		t.Fatalf("reply = %v after update", list[0]["reply"])
	}

	code, _ = do(t, http.MethodDelete, srv.URL+"/api/rules/"+id, "tenant-1", nil)
	if code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	if _, list := doList(t, srv.URL+"/api/rules", "tenant-1"); len(list) != 0 {
		t.Fatalf("rule survived delete: %d", len(list))
	}
}

func TestScheduledLifecycle(t *testing.T) {
	srv := newTestServer(t)
	code, body := do(t, http.MethodPost, srv.URL+"/api/accounts", "tenant-1", map[string]any{"label": "a"})
	if code != http.StatusCreated {
		t.Fatalf("create account = %d", code)
	}
	accID := body["id"].(string)

	code, body = do(t, http.MethodPost, srv.URL+"/api/scheduled", "tenant-1", map[string]any{
		"account_id":   accID,
		"to":           "628400000001",
		"text":         "besok ya",
		"scheduled_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	if code != http.StatusCreated {
		t.Fatalf("create scheduled = %d %v", code, body)
	}
	id := body["id"].(string)

	code, list := doList(t, srv.URL+"/api/scheduled", "tenant-1")
	if code != http.StatusOK || len(list) != 1 || list[0]["status"] != "pending" {
		t.Fatalf("list = %d %v", code, list)
	}

	code, _ = do(t, http.MethodPost, srv.URL+"/api/scheduled/"+id+"/cancel", "tenant-1", nil)
	if code != http.StatusOK {
		t.Fatalf("cancel = %d", code)
	}
	code, _ = do(t, http.MethodPost, srv.URL+"/api/scheduled/"+id+"/cancel", "tenant-1", nil)
	if code != http.StatusConflict {
		t.Fatalf("second cancel = %d, want conflict", code)
	}
}

func TestCampaignEndpoints(t *testing.T) {
	srv := newTestServer(t)
	code, body := do(t, http.MethodPost, srv.URL+"/api/accounts", "tenant-1", map[string]any{"label": "a"})
	if code != http.StatusCreated {
		t.Fatalf("create account = %d", code)
	}
	accID := body["id"].(string)

	code, body = do(t, http.MethodPost, srv.URL+"/api/campaigns", "tenant-1", map[string]any{
		"account_id": accID,
		"name":       "promo agustus",
		"template":   "Halo {name}",
		"recipients": []map[string]any{
			{"phone": "628400000001", "name": "Budi"},
			{"phone": "628400000002", "name": "Sari"},
		},
	})
	if code != http.StatusCreated {
		t.Fatalf("create campaign = %d %v", code, body)
	}
	id := body["id"].(string)

	code, body = do(t, http.MethodGet, srv.URL+"/api/campaigns/"+id, "tenant-1", nil)
	if code != http.StatusOK {
		t.Fatalf("get = %d", code)
	}
	c := body["campaign"].(map[string]any)
	if c["status"] != "draft" || c["recipient_count"] != float64(2) {
		t.Fatalf("campaign = %v", c)
	}
	if body["running"] != false {
		t.Fatalf("running = %v", body["running"])
	}

	// the account has no live session, so starting is rejected
	code, _ = do(t, http.MethodPost, srv.URL+"/api/campaigns/"+id+"/start", "tenant-1", nil)
	if code != http.StatusConflict {
		t.Fatalf("start offline = %d, want conflict", code)
	}

	code, _ = do(t, http.MethodGet, srv.URL+"/api/campaigns/does-not-exist", "tenant-1", nil)
	if code != http.StatusNotFound {
		t.Fatalf("get missing = %d", code)
	}
}
