package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequireInternalAuth(t *testing.T) {
	const opsToken = "ops-token-value"

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantBody string
	}{
		{name: "missing header", wantCode: http.StatusUnauthorized, wantBody: "Missing authorization header\n"},
		{name: "basic scheme", header: "Basic " + opsToken, wantCode: http.StatusUnauthorized},
		{name: "scheme only", header: "Bearer", wantCode: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer ", wantCode: http.StatusUnauthorized},
		{name: "no scheme", header: opsToken, wantCode: http.StatusUnauthorized},
		{name: "double space", header: "Bearer  " + opsToken, wantCode: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer wrong-secret", wantCode: http.StatusUnauthorized, wantBody: "Invalid authorization token\n"},
		{name: "lowercase scheme", header: "bearer " + opsToken, wantCode: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + opsToken, wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := RequireInternalAuth(opsToken)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/tenants/acme/start", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Errorf("got status %d, want %d", rr.Code, tt.wantCode)
			}
			if called != (tt.wantCode == http.StatusOK) {
				t.Errorf("next handler called = %v", called)
			}
			if tt.wantBody != "" && rr.Body.String() != tt.wantBody {
				t.Errorf("got body %q, want %q", rr.Body.String(), tt.wantBody)
			}
		})
	}
}
