package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/marcus/kept/internal/rowstore"
)

// harness runs a Server over a temp SQLite row store behind httptest.
type harness struct {
	t       *testing.T
	Server  *Server
	Store   *rowstore.DB
	BaseURL string
	hs      *httptest.Server
}

func newTestHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	db, err := rowstore.Open(filepath.Join(t.TempDir(), "kept.db"))
	if err != nil {
		t.Fatalf("open row store: %v", err)
	}
	cfg := Config{RateLimitWrite: 1 << 20, RateLimitRead: 1 << 20, RateLimitOther: 1 << 20}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := NewServer(cfg, db)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.hub.Close()
		hs.Close()
		db.Close()
	})
	return &harness{t: t, Server: srv, Store: db, BaseURL: hs.URL, hs: hs}
}

// Do sends a request with an optional bearer key and JSON body. The caller
// closes the body, usually through ReadJSON.
func (h *harness) Do(method, path, key string, body any) *http.Response {
	h.t.Helper()
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("encode %T: %v", body, err)
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.BaseURL+path, payload)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.hs.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// ReadJSON checks the status and decodes the body into out when non-nil.
func (h *harness) ReadJSON(resp *http.Response, want int, out any) {
	h.t.Helper()
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		h.t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != want {
		h.t.Fatalf("%s %s: status %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			h.t.Fatalf("decode %s: %v", data, err)
		}
	}
}

// CreateUser issues an API key for userID.
func (h *harness) CreateUser(userID string) string {
	h.t.Helper()
	key, err := h.Store.CreateAPIKey(context.Background(), userID, "test")
	if err != nil {
		h.t.Fatalf("issue key for %s: %v", userID, err)
	}
	return key
}
