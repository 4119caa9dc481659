package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"dailylog/pkg/clientstore"
	"dailylog/pkg/feed"
	"dailylog/pkg/storage"
	"dailylog/pkg/store"
)

// Config holds runtime collaborators for the core application. IdleTimeout
// bounds how long an unwatched, unused session is kept.
type Config struct {
	Store             store.Store
	Feed              feed.Subscriber
	Enricher          Enricher
	Archive           storage.VoiceArchive
	ClientStore       clientstore.Store
	Password          string
	Location          *time.Location
	EnrichmentTimeout time.Duration
	IdleTimeout       time.Duration
	Logger            *slog.Logger
	Now               func() time.Time
}

const defaultIdleTimeout = 30 * time.Minute

// App owns one Session per client id.
type App struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	// evicted sessions still finishing enrichment or transcription
	draining sync.WaitGroup
}

// New validates cfg and builds the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Feed == nil {
		return nil, fmt.Errorf("feed required")
	}
	if cfg.Enricher == nil {
		return nil, fmt.Errorf("enricher required")
	}
	if cfg.ClientStore == nil {
		return nil, fmt.Errorf("client store required")
	}
	if strings.TrimSpace(cfg.Password) == "" {
		return nil, fmt.Errorf("app password required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.EnrichmentTimeout <= 0 {
		cfg.EnrichmentTimeout = defaultEnrichmentTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &App{cfg: cfg, sessions: make(map[string]*Session)}, nil
}

// ErrClosed is returned once the application has shut down.
var ErrClosed = errors.New("application closed")

// Session returns the live session of clientID. A client without one gets
// a session only if its persisted credential marker is still valid, so
// anonymous callers never allocate state.
func (a *App) Session(ctx context.Context, clientID string) (*Session, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, ErrUnauthenticated
	}
	if s, err := a.existing(clientID); s != nil || err != nil {
		return s, err
	}
	marker := clientstore.NewScoped(a.cfg.ClientStore, clientID)
	val, ok, err := marker.Get(ctx, AuthMarkerKey)
	if err != nil {
		return nil, fmt.Errorf("read auth marker: %w", err)
	}
	if !ok || val != authMarkerValue {
		return nil, ErrUnauthenticated
	}
	return a.getOrCreate(ctx, clientID)
}

// Login checks candidate before any state is allocated, then opens the gate
// of clientID's session, creating it when needed.
func (a *App) Login(ctx context.Context, clientID, candidate string) (*Session, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, fmt.Errorf("client id required")
	}
	if candidate != a.cfg.Password {
		return nil, ErrIncorrectPassword
	}
	s, err := a.getOrCreate(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := s.Authenticate(ctx, candidate); err != nil {
		return nil, err
	}
	return s, nil
}

func (a *App) existing(clientID string) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	s, ok := a.sessions[clientID]
	if ok {
		s.touch()
	}
	return s, nil
}

func (a *App) getOrCreate(ctx context.Context, clientID string) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if s, ok := a.sessions[clientID]; ok {
		s.touch()
		return s, nil
	}
	s := newSession(ctx, clientID, a.cfg)
	a.sessions[clientID] = s
	return s, nil
}

// EvictIdle closes sessions that have no websocket watchers and have not been
// used for IdleTimeout, releasing their feed subscriptions and mirrors. It
// returns how many were evicted.
func (a *App) EvictIdle() int {
	now := a.cfg.Now()
	var idle []*Session
	a.mu.Lock()
	for id, s := range a.sessions {
		if s.idle(now, a.cfg.IdleTimeout) {
			idle = append(idle, s)
			delete(a.sessions, id)
		}
	}
	for _, s := range idle {
		a.draining.Add(1)
		go func(s *Session) {
			defer a.draining.Done()
			s.Wait()
		}(s)
	}
	a.mu.Unlock()

	for _, s := range idle {
		s.Close()
		a.cfg.Logger.Info("session_evicted", "client_id", s.ID())
	}
	return len(idle)
}

// Run evicts idle sessions every interval until ctx is done.
func (a *App) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.EvictIdle()
		}
	}
}

// Sessions reports the number of live sessions.
func (a *App) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Shutdown closes every session and waits for their background work until
// ctx is done.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.sessions = map[string]*Session{}
	a.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	waited := make(chan struct{})
	go func() {
		for _, s := range sessions {
			s.Wait()
		}
		a.draining.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
