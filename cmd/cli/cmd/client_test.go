package cmd

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"campaignplane/pkg/api"
)

func TestClient_OmitsAuthWithoutToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	if err := NewClient(server.URL, "").UpdatePayload("acme", api.PayloadRequest{Ref: "https://t.me/c/1/2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_RawErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "tok").Stop("acme")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Message != "Too Many Requests" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestClient_EscapesTenantID(t *testing.T) {
	if got := tenantPath("a/b", "start"); got != "/tenants/a%2Fb/start" {
		t.Errorf("tenantPath = %q", got)
	}
}
