package cmd

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"campaignplane/pkg/api"
)

func TestSessionsListCommand(t *testing.T) {
	var query string
	opsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		query = r.URL.RawQuery
		json.NewEncoder(w).Encode(api.SessionsResponse{
			Unused:    2,
			Banned:    1,
			Assigned:  map[string]int{"globex": 1, "acme": 3},
			UnusedIDs: []string{"s7", "s8"},
			BannedIDs: []string{"s1"},
		})
	})

	output, err := execute("sessions", "list", "--ids")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if query != "ids=true" {
		t.Errorf("expected ids query, got %q", query)
	}
	if strings.Index(output, "acme") > strings.Index(output, "globex") {
		t.Errorf("expected tenants sorted, got: %s", output)
	}
	if !strings.Contains(output, "s7 s8") || !strings.Contains(output, "s1") {
		t.Errorf("expected session IDs in output, got: %s", output)
	}
}

func TestSessionsListCommand_CountsOnly(t *testing.T) {
	opsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(api.SessionsResponse{Unused: 4})
	})

	output, err := execute("sessions", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(output, "Unused IDs") {
		t.Errorf("IDs listed without --ids: %s", output)
	}
}

func TestSessionsBanCommand(t *testing.T) {
	opsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sessions/s-0042/ban" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(api.BanResponse{SessionID: "s-0042", Banned: true})
	})

	output, err := execute("sessions", "ban", "s-0042")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "s-0042 banned") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestSessionsBanCommand_Unknown(t *testing.T) {
	opsServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Session not found", Code: "404"})
	})

	output, err := execute("sessions", "ban", "ghost")
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
	if !strings.Contains(output, "Session not found") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestSessionsVerifyCommand(t *testing.T) {
	var got api.VerifyRequest
	opsServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sessions/verify" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(api.VerifyResponse{Results: []api.SessionHealth{
			{SessionID: "s1", Location: "assigned", TenantID: "acme", Health: "active"},
			{SessionID: "s2", Health: "missing", Reason: "session file not found"},
		}})
	})

	output, err := execute("sessions", "verify", "s1", "s2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.SessionIDs) != 2 || got.SessionIDs[1] != "s2" {
		t.Errorf("unexpected request body: %+v", got)
	}
	for _, want := range []string{"assigned/acme", "missing", "session file not found"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestSessionsVerifyCommand_RequiresID(t *testing.T) {
	resetViper()
	if _, err := execute("sessions", "verify"); err == nil {
		t.Error("expected error without session ids")
	}
}
