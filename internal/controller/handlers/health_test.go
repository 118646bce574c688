package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestProbes(t *testing.T) {
	tests := []struct {
		name           string
		endpoint       string
		stores         []Degradable
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "Healthz Always OK",
			endpoint:       "/healthz",
			stores:         []Degradable{&mockStore{name: "state", degraded: true}},
			expectedStatus: http.StatusOK,
			expectedBody:   "healthy",
		},
		{
			name:           "Readyz Success",
			endpoint:       "/readyz",
			stores:         []Degradable{&mockStore{name: "state"}, &mockStore{name: "stats"}},
			expectedStatus: http.StatusOK,
			expectedBody:   "ready",
		},
		{
			name:     "Readyz Store Degraded",
			endpoint: "/readyz",
			stores: []Degradable{
				&mockStore{name: "state"},
				&mockStore{name: "heartbeats", degraded: true},
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   "Store degraded: heartbeats",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(Deps{Stores: tt.stores})

			req := httptest.NewRequest(http.MethodGet, tt.endpoint, nil)
			rr := httptest.NewRecorder()

			// Route manually since we are testing specific handler functions
			if tt.endpoint == "/healthz" {
				h.Healthz(rr, req)
			} else {
				h.Readyz(rr, req)
			}

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
			if !strings.Contains(rr.Body.String(), tt.expectedBody) {
				t.Errorf("body %q does not contain %q", rr.Body.String(), tt.expectedBody)
			}
		})
	}
}
