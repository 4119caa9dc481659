package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dailylog/pkg/clientstore"
)

const (
	// AuthMarkerKey is the client-side credential marker.
	AuthMarkerKey   = "daily_log_auth"
	authMarkerValue = "true"
	// AuthMarkerTTL is how long a successful login stays valid.
	AuthMarkerTTL = 30 * 24 * time.Hour
)

// Gate guards a session with a single shared password. The persisted marker
// is the source of truth and is re-read by Check on every page load.
type Gate struct {
	store  clientstore.Store
	secret string
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	authed bool
	// localUntil keeps the gate open after a login whose marker write failed.
	localUntil time.Time
}

// NewGate derives the initial state from the persisted marker.
func NewGate(ctx context.Context, store clientstore.Store, secret string, now func() time.Time, logger *slog.Logger) *Gate {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{store: store, secret: secret, now: now, logger: logger}
	g.Check(ctx)
	return g
}

// IsAuthenticated reports the state observed by the last Check or login.
func (g *Gate) IsAuthenticated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.authed
}

// Check re-reads the marker and reports whether the gate is open. An
// expired or missing marker closes it; a read failure keeps the last state.
func (g *Gate) Check(ctx context.Context) bool {
	val, ok, err := g.store.Get(ctx, AuthMarkerKey)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		g.logger.Warn("auth_marker_read_failed", "err", err)
		return g.authed
	}
	g.authed = (ok && val == authMarkerValue) || g.now().Before(g.localUntil)
	return g.authed
}

// Authenticate compares candidate with the configured secret. On a match the
// marker is persisted for AuthMarkerTTL; a failed write is logged and the
// gate stays open in memory for the same period.
func (g *Gate) Authenticate(ctx context.Context, candidate string) bool {
	if !g.matches(candidate) {
		return false
	}
	var localUntil time.Time
	if err := g.store.Set(ctx, AuthMarkerKey, authMarkerValue, AuthMarkerTTL); err != nil {
		g.logger.Warn("auth_marker_write_failed", "err", err)
		localUntil = g.now().Add(AuthMarkerTTL)
	}
	g.mu.Lock()
	g.authed = true
	g.localUntil = localUntil
	g.mu.Unlock()
	return true
}

func (g *Gate) matches(candidate string) bool {
	return g.secret != "" && candidate == g.secret
}

// Logout clears the marker and closes the gate.
func (g *Gate) Logout(ctx context.Context) {
	if err := g.store.Delete(ctx, AuthMarkerKey); err != nil {
		g.logger.Warn("auth_marker_delete_failed", "err", err)
	}
	g.mu.Lock()
	g.authed = false
	g.localUntil = time.Time{}
	g.mu.Unlock()
}
