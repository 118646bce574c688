package destinations

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"campaignplane/internal/store"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Destination
		wantErr bool
	}{
		{in: "-1001234567890", want: Destination{ID: "-1001234567890"}},
		{in: " -100123#45 ", want: Destination{ID: "-100123", Topic: 45}},
		{in: "-10012", wantErr: true},
		{in: "1001234567", wantErr: true},
		{in: "-100abc123", wantErr: true},
		{in: "-1001234#x", wantErr: true},
		{in: "-1001234#0", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidDestination) {
				t.Errorf("Parse(%q): expected ErrInvalidDestination, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseFile_CommentsAndLineNumbers(t *testing.T) {
	got, err := ParseFile("starter.txt", []byte("# header\n\n-1001111\n-1002222#7\n"))
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}
	if diff := cmp.Diff([]string{"-1001111", "-1002222#7"}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	_, err = ParseFile("starter.txt", []byte("-1001111\nbogus\n"))
	if err == nil || !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if want := "starter.txt line 2"; len(err.Error()) < len(want) || err.Error()[:len(want)] != want {
		t.Errorf("error %q should name the line", err)
	}
}

func TestSource_ReloadsOnMtimeChange(t *testing.T) {
	s, err := NewSource(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}

	empty, err := s.Load(store.PlanEnterprise)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty list, got %v", empty)
	}

	path := s.FileFor(store.PlanEnterprise)
	if err := os.WriteFile(path, []byte("-1001111\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(store.PlanEnterprise)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff([]string{"-1001111"}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestSource_WatchInvalidates(t *testing.T) {
	s, err := NewSource(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	path := s.FileFor(store.PlanStarter)
	fixed := time.Now().Add(-time.Hour).Truncate(time.Second)

	if err := os.WriteFile(path, []byte("-1001111\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, fixed, fixed); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(store.PlanStarter); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Watch(ctx); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// Same mtime: only the watcher can tell the content changed.
	if err := os.WriteFile(path, []byte("-1002222\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, fixed, fixed); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, err := s.Load(store.PlanStarter)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(got) == 1 && got[0] == "-1002222" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watcher did not invalidate cache, still %v", got)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestSource_InvalidMode(t *testing.T) {
	s, err := NewSource(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	if _, err := s.Load("gold"); err == nil {
		t.Fatal("expected error for unknown plan mode")
	}
}
