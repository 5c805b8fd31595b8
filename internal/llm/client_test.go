package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"outreach/internal/config"
)

func TestNewWithoutKeyDisables(t *testing.T) {
	if c := New(config.LLMConfig{BaseURL: "https://api.openai.com/v1"}); c != nil {
		t.Fatal("client built without an API key")
	}
}

func TestComplete(t *testing.T) {
	var gotAuth string
	var gotReq completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  Halo, ada yang bisa dibantu?  "}}]}`))
	}))
	defer srv.Close()

	c := New(config.LLMConfig{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-4o-mini", Timeout: 5 * time.Second})
	out, err := c.Complete(context.Background(), []ChatMessage{
		{Role: "system", Content: "Kamu CS toko."},
		{Role: "user", Content: "halo"},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "Halo, ada yang bisa dibantu?" {
		t.Fatalf("reply = %q", out)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotReq.Model != "gpt-4o-mini" || len(gotReq.Messages) != 2 {
		t.Fatalf("request = %+v", gotReq)
	}
}

func TestCompleteErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	c := New(config.LLMConfig{BaseURL: srv.URL, APIKey: "sk-test", Model: "m", Timeout: 5 * time.Second})
	if _, err := c.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatal("expected error on non-2xx status")
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := New(config.LLMConfig{BaseURL: srv.URL, APIKey: "sk-test", Model: "m", Timeout: 5 * time.Second})
	out, err := c.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "" {
		t.Fatalf("reply = %q, want empty", out)
	}
}
