package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"campaignplane/internal/logger"
)

func TestRequestLogger_AssignsIDAndLogs(t *testing.T) {
	var buf bytes.Buffer
	var seen string
	handler := RequestLogger(logger.NewWithWriter(&buf, "debug"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusConflict)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/tenants/acme/start", nil))

	if seen == "" {
		t.Fatal("handler context carries no request ID")
	}
	if got := rr.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("response header %q, want %q", got, seen)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if entry["request_id"] != seen || entry["path"] != "/tenants/acme/start" || entry["status"] != float64(http.StatusConflict) {
		t.Errorf("unexpected log entry: %v", entry)
	}
}

func TestRequestLogger_KeepsCallerID(t *testing.T) {
	handler := RequestLogger(logger.NewWithWriter(&bytes.Buffer{}, "info"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get(RequestIDHeader); got != "req-123" {
		t.Errorf("got request ID %q, want req-123", got)
	}
}
