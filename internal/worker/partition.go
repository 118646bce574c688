package worker

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"campaignplane/internal/store"
)

// Partition assigns destinations to n sessions. Enterprise lists are
// disjoint and near-equal with the remainder going to the first sessions.
// Starter sessions all receive the complete list.
func Partition(mode store.PlanMode, destinations []string, n int) [][]string {
	if n <= 0 {
		return nil
	}
	out := make([][]string, n)
	if mode == store.PlanStarter {
		for i := range out {
			out[i] = append([]string(nil), destinations...)
		}
		return out
	}

	per, rem := len(destinations)/n, len(destinations)%n
	start := 0
	for i := range out {
		size := per
		if i < rem {
			size++
		}
		out[i] = append([]string(nil), destinations[start:start+size]...)
		start += size
	}
	return out
}

func longest(parts [][]string) int {
	m := 0
	for _, p := range parts {
		if len(p) > m {
			m = len(p)
		}
	}
	return m
}

// ErrInvalidLink is returned for payload links not of the form host/source/message.
var ErrInvalidLink = errors.New("invalid payload link")

// ParseLink splits a link payload such as "https://t.me/source/123" into
// its source reference and message reference.
func ParseLink(ref string) (source, message string, err error) {
	link := strings.TrimSpace(ref)
	link = strings.TrimPrefix(link, "https://")
	link = strings.TrimPrefix(link, "http://")
	parts := strings.Split(link, "/")
	if len(parts) < 3 || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidLink, ref)
	}
	if _, err := strconv.ParseInt(parts[2], 10, 64); err != nil {
		return "", "", fmt.Errorf("%w: %q: message id must be numeric", ErrInvalidLink, ref)
	}
	return parts[1], parts[2], nil
}

func shortReason(err error) string {
	const max = 50
	s := err.Error()
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
