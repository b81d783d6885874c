// Package allowlist gates which numbers may place or receive calls. Rules
// live in a JSON file that is hot-reloaded by polling (mtime then SHA-256,
// no fsnotify dependency); an empty list means allow-all for that direction.
package allowlist

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Rules is the allowlist file's shape.
type Rules struct {
	// Inbound lists caller numbers allowed to reach the application.
	// Empty allows every caller.
	Inbound []string `json:"inbound"`

	// Outbound lists destination numbers the application may dial.
	// Empty allows every destination.
	Outbound []string `json:"outbound"`
}

// Gate answers allow/deny questions against the current rules. Safe for
// concurrent use. A Gate with no backing file allows everything.
type Gate struct {
	path     string
	interval time.Duration

	mu       sync.Mutex
	inbound  map[string]struct{}
	outbound map[string]struct{}

	lastMtime time.Time
	lastHash  [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a [Gate].
type Option func(*Gate)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.interval = d
		}
	}
}

// Open creates a Gate backed by the JSON rules file at path and starts the
// reload poller. An empty path yields an allow-all gate with no poller.
func Open(path string, opts ...Option) (*Gate, error) {
	g := &Gate{
		path:     path,
		interval: 5 * time.Second,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if path == "" {
		return g, nil
	}

	rules, hash, mtime, err := g.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("allowlist: initial load: %w", err)
	}
	g.apply(rules)
	g.lastHash = hash
	g.lastMtime = mtime

	go g.poll()
	return g, nil
}

// Stop halts the reload poller.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() { close(g.done) })
}

// AllowInbound reports whether the caller number may reach the application.
func (g *Gate) AllowInbound(number string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.inbound) == 0 {
		return true
	}
	_, ok := g.inbound[number]
	return ok
}

// AllowOutbound reports whether the destination number may be dialled.
func (g *Gate) AllowOutbound(number string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.outbound) == 0 {
		return true
	}
	_, ok := g.outbound[number]
	return ok
}

// Snapshot returns the current rules for administrative inspection.
func (g *Gate) Snapshot() Rules {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := Rules{
		Inbound:  make([]string, 0, len(g.inbound)),
		Outbound: make([]string, 0, len(g.outbound)),
	}
	for n := range g.inbound {
		r.Inbound = append(r.Inbound, n)
	}
	for n := range g.outbound {
		r.Outbound = append(r.Outbound, n)
	}
	return r
}

// Set replaces the current rules in memory and, when a backing file exists,
// persists them so a restart keeps the change.
func (g *Gate) Set(r Rules) error {
	g.apply(r)

	if g.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("allowlist: encode rules: %w", err)
	}
	if err := os.WriteFile(g.path, data, 0o644); err != nil {
		return fmt.Errorf("allowlist: persist rules: %w", err)
	}

	// Absorb our own write so the poller does not re-apply it.
	g.mu.Lock()
	g.lastHash = sha256.Sum256(data)
	if info, err := os.Stat(g.path); err == nil {
		g.lastMtime = info.ModTime()
	}
	g.mu.Unlock()
	return nil
}

func (g *Gate) apply(r Rules) {
	in := make(map[string]struct{}, len(r.Inbound))
	for _, n := range r.Inbound {
		in[n] = struct{}{}
	}
	out := make(map[string]struct{}, len(r.Outbound))
	for _, n := range r.Outbound {
		out[n] = struct{}{}
	}
	g.mu.Lock()
	g.inbound = in
	g.outbound = out
	g.mu.Unlock()
}

func (g *Gate) poll() {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.check()
		}
	}
}

// check reloads the rules file if it changed; invalid content keeps the old
// rules in force.
func (g *Gate) check() {
	info, err := os.Stat(g.path)
	if err != nil {
		slog.Warn("allowlist: cannot stat rules file", "path", g.path, "err", err)
		return
	}

	g.mu.Lock()
	mtime := g.lastMtime
	g.mu.Unlock()
	if info.ModTime().Equal(mtime) {
		return
	}

	rules, hash, newMtime, err := g.loadAndHash()
	if err != nil {
		slog.Warn("allowlist: failed to reload rules", "path", g.path, "err", err)
		return
	}

	g.mu.Lock()
	if hash == g.lastHash {
		g.lastMtime = newMtime
		g.mu.Unlock()
		return
	}
	g.lastHash = hash
	g.lastMtime = newMtime
	g.mu.Unlock()

	g.apply(rules)
	slog.Info("allowlist: rules reloaded", "path", g.path,
		"inbound", len(rules.Inbound), "outbound", len(rules.Outbound))
}

func (g *Gate) loadAndHash() (Rules, [sha256.Size]byte, time.Time, error) {
	var zeroHash [sha256.Size]byte

	info, err := os.Stat(g.path)
	if err != nil {
		return Rules{}, zeroHash, time.Time{}, err
	}
	data, err := os.ReadFile(g.path)
	if err != nil {
		return Rules{}, zeroHash, time.Time{}, err
	}

	var rules Rules
	if err := json.Unmarshal(data, &rules); err != nil {
		return Rules{}, zeroHash, time.Time{}, fmt.Errorf("parse rules: %w", err)
	}
	return rules, sha256.Sum256(data), info.ModTime(), nil
}
