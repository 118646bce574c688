// Package sessions manages the pool of exclusive protocol sessions.
//
// Each session is a <id>.session file, optionally accompanied by a
// <id>.session-journal sidecar, living in exactly one of three directories:
//
//	unused/            available for allocation
//	assigned/<tenant>/ owned exclusively by one tenant
//	banned/            permanently retired
//
// Every move is an os.Rename performed under the pool mutex, so a session is
// visible in exactly one partition at any instant.
package sessions

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	sessionExt    = ".session"
	journalSuffix = "-journal"

	unusedDir   = "unused"
	assignedDir = "assigned"
	bannedDir   = "banned"
)

// Pool is the session resource pool rooted at a directory.
type Pool struct {
	root   string
	logger *slog.Logger
	mu     sync.Mutex
}

// Counts summarizes the pool.
type Counts struct {
	Unused   int            `json:"unused"`
	Banned   int            `json:"banned"`
	Assigned map[string]int `json:"assigned"`
}

// New creates a pool rooted at root, creating the partition directories.
func New(root string, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, d := range []string{unusedDir, assignedDir, bannedDir} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("creating session directory %s: %w", d, err)
		}
	}
	return &Pool{root: root, logger: logger}, nil
}

// ListUnused returns unused session IDs in sorted order.
func (p *Pool) ListUnused() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.list(p.unusedPath())
}

// ListBanned returns banned session IDs in sorted order.
func (p *Pool) ListBanned() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.list(p.bannedPath())
}

// ListAssigned returns the sessions owned by tenant in sorted order.
func (p *Pool) ListAssigned(tenant string) []string {
	if !validName(tenant) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.list(p.tenantPath(tenant))
}

// Allocate tops the tenant up to count sessions. alreadyOwned are the
// sessions the tenant holds; the result is alreadyOwned followed by the newly
// assigned sessions. A short pool yields a short result.
func (p *Pool) Allocate(tenant string, count int, alreadyOwned []string) []string {
	assigned := append([]string(nil), alreadyOwned...)
	needed := count - len(alreadyOwned)
	if needed <= 0 || !validName(tenant) {
		return assigned
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return append(assigned, p.allocate(tenant, needed)...)
}

func (p *Pool) allocate(tenant string, needed int) []string {
	banned := make(map[string]bool)
	for _, id := range p.list(p.bannedPath()) {
		banned[id] = true
	}

	dst := p.tenantPath(tenant)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		p.logger.Error("failed to create tenant session directory", "tenant_id", tenant, "error", err)
		return nil
	}

	var moved []string
	for _, id := range p.list(p.unusedPath()) {
		if len(moved) == needed {
			break
		}
		if banned[id] {
			continue
		}
		if err := p.move(id, p.unusedPath(), dst); err != nil {
			p.logger.Warn("failed to assign session", "tenant_id", tenant, "session", id, "error", err)
			continue
		}
		moved = append(moved, id)
	}
	if len(moved) < needed {
		p.logger.Warn("session pool short", "tenant_id", tenant, "requested", needed, "assigned", len(moved))
	}
	return moved
}

// Release returns the given tenant sessions to the unused partition.
// It reports how many were moved.
func (p *Pool) Release(tenant string, ids []string) int {
	if !validName(tenant) {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	src := p.tenantPath(tenant)
	n := 0
	for _, id := range ids {
		if !validName(id) || !exists(filepath.Join(src, id+sessionExt)) {
			continue
		}
		if err := p.move(id, src, p.unusedPath()); err != nil {
			p.logger.Warn("failed to release session", "tenant_id", tenant, "session", id, "error", err)
			continue
		}
		n++
	}
	return n
}

// Ban moves a session from any partition into banned. Banning an already
// banned session succeeds. It returns false if the session is unknown.
func (p *Pool) Ban(id string) bool {
	if !validName(id) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ban(id)
}

func (p *Pool) ban(id string) bool {
	if exists(filepath.Join(p.bannedPath(), id+sessionExt)) {
		return true
	}

	candidates := []string{p.unusedPath()}
	entries, _ := os.ReadDir(filepath.Join(p.root, assignedDir))
	for _, e := range entries {
		if e.IsDir() {
			candidates = append(candidates, filepath.Join(p.root, assignedDir, e.Name()))
		}
	}

	for _, dir := range candidates {
		if !exists(filepath.Join(dir, id+sessionExt)) {
			continue
		}
		if err := p.move(id, dir, p.bannedPath()); err != nil {
			p.logger.Error("failed to ban session", "session", id, "error", err)
			return false
		}
		p.logger.Info("session banned", "session", id)
		return true
	}
	return false
}

// Replace bans a tenant's session and assigns one fresh session in its place.
// ok is false when the unused pool is exhausted.
func (p *Pool) Replace(tenant, banned string) (replacement string, ok bool) {
	if !validName(tenant) || !validName(banned) {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ban(banned)
	moved := p.allocate(tenant, 1)
	if len(moved) == 0 {
		return "", false
	}
	return moved[0], true
}

// Path returns the session file of a tenant-owned session.
func (p *Pool) Path(tenant, id string) (string, bool) {
	if !validName(tenant) || !validName(id) {
		return "", false
	}
	path := filepath.Join(p.tenantPath(tenant), id+sessionExt)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !exists(path) {
		return "", false
	}
	return path, true
}

// Partition names where a session file lives.
type Partition string

const (
	PartitionUnused   Partition = unusedDir
	PartitionAssigned Partition = assignedDir
	PartitionBanned   Partition = bannedDir
)

// Location is where a session file was found.
type Location struct {
	Partition Partition
	Tenant    string // set for PartitionAssigned
	Path      string
}

// Locate finds the partition holding a session.
func (p *Pool) Locate(id string) (Location, bool) {
	if !validName(id) {
		return Location{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	file := id + sessionExt
	if path := filepath.Join(p.unusedPath(), file); exists(path) {
		return Location{Partition: PartitionUnused, Path: path}, true
	}
	if path := filepath.Join(p.bannedPath(), file); exists(path) {
		return Location{Partition: PartitionBanned, Path: path}, true
	}
	entries, _ := os.ReadDir(filepath.Join(p.root, assignedDir))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if path := filepath.Join(p.tenantPath(e.Name()), file); exists(path) {
			return Location{Partition: PartitionAssigned, Tenant: e.Name(), Path: path}, true
		}
	}
	return Location{}, false
}

// Counts returns partition sizes.
func (p *Pool) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := Counts{
		Unused:   len(p.list(p.unusedPath())),
		Banned:   len(p.list(p.bannedPath())),
		Assigned: map[string]int{},
	}
	entries, _ := os.ReadDir(filepath.Join(p.root, assignedDir))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n := len(p.list(p.tenantPath(e.Name()))); n > 0 {
			c.Assigned[e.Name()] = n
		}
	}
	return c
}

// move renames the session and its journal sidecar from src to dst.
func (p *Pool) move(id, src, dst string) error {
	if err := os.Rename(filepath.Join(src, id+sessionExt), filepath.Join(dst, id+sessionExt)); err != nil {
		return err
	}
	journal := id + sessionExt + journalSuffix
	err := os.Rename(filepath.Join(src, journal), filepath.Join(dst, journal))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn("failed to move session journal", "session", id, "error", err)
	}
	return nil
}

func (p *Pool) list(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	ids := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, sessionExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, sessionExt))
	}
	sort.Strings(ids)
	return ids
}

func (p *Pool) unusedPath() string { return filepath.Join(p.root, unusedDir) }

func (p *Pool) bannedPath() string { return filepath.Join(p.root, bannedDir) }

func (p *Pool) tenantPath(tenant string) string {
	return filepath.Join(p.root, assignedDir, tenant)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// validName rejects IDs that would escape their partition directory.
func validName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
