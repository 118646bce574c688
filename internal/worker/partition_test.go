package worker

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"campaignplane/internal/store"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

func TestPartition_EnterpriseSplitsDisjointly(t *testing.T) {
	dests := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}

	got := Partition(store.PlanEnterprise, dests, 3)
	want := [][]string{
		{"a", "b", "c", "d"},
		{"e", "f", "g"},
		{"h", "i", "j"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Partition() mismatch (-want +got):\n%s", diff)
	}

	seen := make(map[string]int)
	for _, part := range got {
		for _, d := range part {
			seen[d]++
		}
	}
	for _, d := range dests {
		if seen[d] != 1 {
			t.Errorf("destination %s appears %d times, want 1", d, seen[d])
		}
	}
}

func TestPartition_EnterpriseMoreSessionsThanDestinations(t *testing.T) {
	got := Partition(store.PlanEnterprise, []string{"a", "b"}, 4)
	want := [][]string{{"a"}, {"b"}, nil, nil}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Partition() mismatch (-want +got):\n%s", diff)
	}
}

func TestPartition_StarterDuplicates(t *testing.T) {
	dests := []string{"a", "b", "c"}
	got := Partition(store.PlanStarter, dests, 2)
	want := [][]string{dests, dests}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Partition() mismatch (-want +got):\n%s", diff)
	}

	got[0][0] = "mutated"
	if got[1][0] != "a" || dests[0] != "a" {
		t.Error("starter partitions must not share backing arrays")
	}
}

func TestPartition_NoSessions(t *testing.T) {
	if got := Partition(store.PlanEnterprise, []string{"a"}, 0); got != nil {
		t.Errorf("Partition() = %v, want nil", got)
	}
}

func TestParseLink(t *testing.T) {
	tests := []struct {
		in          string
		wantSource  string
		wantMessage string
		wantErr     bool
	}{
		{in: "t.me/channel/123", wantSource: "channel", wantMessage: "123"},
		{in: "https://t.me/channel/123", wantSource: "channel", wantMessage: "123"},
		{in: "  http://t.me/news/7  ", wantSource: "news", wantMessage: "7"},
		{in: "t.me/channel", wantErr: true},
		{in: "t.me//123", wantErr: true},
		{in: "t.me/channel/abc", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			source, message, err := ParseLink(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidLink) {
					t.Fatalf("ParseLink(%q) error = %v, want ErrInvalidLink", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLink(%q) unexpected error: %v", tt.in, err)
			}
			if source != tt.wantSource || message != tt.wantMessage {
				t.Errorf("ParseLink(%q) = (%q, %q), want (%q, %q)", tt.in, source, message, tt.wantSource, tt.wantMessage)
			}
		})
	}
}

func TestShortReason(t *testing.T) {
	long := errors.New(strings.Repeat("x", 80))
	got := shortReason(long)
	if len(got) != 53 || !strings.HasSuffix(got, "...") {
		t.Errorf("shortReason() = %q", got)
	}
	if got := shortReason(errors.New("short")); got != "short" {
		t.Errorf("shortReason() = %q, want short", got)
	}
}

func TestPairLimiters_SharedPerPair(t *testing.T) {
	l := newPairLimiters(rate.Limit(1), 1)

	if l.get(0) != l.get(0) {
		t.Error("same pair must share a limiter")
	}
	if l.get(0) == l.get(1) {
		t.Error("different pairs must not share a limiter")
	}
}

func TestPairLimiters_ConcurrentFirstUseSharesOneBucket(t *testing.T) {
	l := newPairLimiters(rate.Limit(0.001), 1)

	var wg sync.WaitGroup
	got := make([]*rate.Limiter, 16)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = l.get(7)
		}()
	}
	wg.Wait()
	for i, lim := range got {
		if lim != got[0] {
			t.Fatalf("caller %d got a different limiter", i)
		}
	}

	// A drained bucket stays drained; it is never swapped for a full one.
	if !l.get(7).Allow() {
		t.Fatal("first token refused")
	}
	if l.get(7).Allow() {
		t.Error("second token allowed: bucket was replaced")
	}
}

func TestPairLimiters_ZeroLimitIsUnlimited(t *testing.T) {
	l := newPairLimiters(0, 0)
	lim := l.get(3)
	for i := 0; i < 100; i++ {
		if !lim.Allow() {
			t.Fatalf("unlimited limiter refused call %d", i)
		}
	}
}
