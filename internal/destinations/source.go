// Package destinations loads the plan-scoped destination files.
//
// Each plan mode reads <dir>/<mode>.txt: one destination per line, blank
// lines and #-comments ignored. A destination is a supergroup ID (-100
// followed by digits) with an optional #<topic> forum suffix.
package destinations

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"campaignplane/internal/store"

	"github.com/fsnotify/fsnotify"
)

// ErrInvalidDestination is wrapped by every parse failure.
var ErrInvalidDestination = errors.New("invalid destination")

// Destination is a parsed destination reference.
type Destination struct {
	ID    string
	Topic int
}

func (d Destination) String() string {
	if d.Topic > 0 {
		return d.ID + "#" + strconv.Itoa(d.Topic)
	}
	return d.ID
}

// Parse validates a destination reference of the form -100<digits>[#<topic>].
func Parse(s string) (Destination, error) {
	s = strings.TrimSpace(s)
	id, topic, hasTopic := strings.Cut(s, "#")

	if !strings.HasPrefix(id, "-100") || len(id) < 7 || !allDigits(id[4:]) {
		return Destination{}, fmt.Errorf("%w: %q must be -100 followed by at least 3 digits", ErrInvalidDestination, s)
	}
	d := Destination{ID: id}
	if hasTopic {
		n, err := strconv.Atoi(topic)
		if err != nil || n <= 0 {
			return Destination{}, fmt.Errorf("%w: %q has a bad topic suffix", ErrInvalidDestination, s)
		}
		d.Topic = n
	}
	return d, nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ParseFile parses destination file contents.
func ParseFile(name string, data []byte) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		d, err := Parse(text)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", name, line, err)
		}
		out = append(out, d.String())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return out, nil
}

type entry struct {
	mtime time.Time
	list  []string
	stale bool
}

// Source serves the destination lists of every plan mode, re-reading a file
// when its modification time changes or the watcher reports a change.
type Source struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[store.PlanMode]*entry

	done chan struct{}
}

// NewSource creates the directory and empty plan files if needed.
func NewSource(dir string, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating destinations directory: %w", err)
	}
	s := &Source{dir: dir, logger: logger, cache: make(map[store.PlanMode]*entry)}
	for _, mode := range []store.PlanMode{store.PlanStarter, store.PlanEnterprise} {
		path := s.FileFor(mode)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return nil, fmt.Errorf("creating %s: %w", path, err)
			}
		}
	}
	return s, nil
}

// FileFor returns the path of a plan mode's destination file.
func (s *Source) FileFor(mode store.PlanMode) string {
	return filepath.Join(s.dir, string(mode)+".txt")
}

// Load returns the destinations of mode. A missing file yields an empty list.
func (s *Source) Load(mode store.PlanMode) ([]string, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown plan mode %q", mode)
	}
	path := s.FileFor(mode)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.cache[mode]
	if e != nil && !e.stale && e.mtime.Equal(info.ModTime()) {
		return append([]string(nil), e.list...), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	list, err := ParseFile(filepath.Base(path), data)
	if err != nil {
		return nil, err
	}
	s.cache[mode] = &entry{mtime: info.ModTime(), list: list}
	s.logger.Debug("destinations loaded", "plan_mode", mode, "count", len(list))
	return append([]string(nil), list...), nil
}

// Invalidate forces the next Load of mode to re-read the file.
func (s *Source) Invalidate(mode store.PlanMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.cache[mode]; e != nil {
		e.stale = true
	}
}

// Watch starts an fsnotify watcher on the directory that invalidates the
// cache on any change to a plan file. It returns once the watch is installed
// and stops when ctx is done.
func (s *Source) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", s.dir, err)
	}

	s.mu.Lock()
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				s.handle(ev)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("destination watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Done is closed when the watcher goroutine exits. It is nil before Watch.
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Source) handle(ev fsnotify.Event) {
	for _, mode := range []store.PlanMode{store.PlanStarter, store.PlanEnterprise} {
		if filepath.Clean(ev.Name) == filepath.Clean(s.FileFor(mode)) {
			s.logger.Info("destination file changed", "plan_mode", mode, "op", ev.Op.String())
			s.Invalidate(mode)
		}
	}
}
