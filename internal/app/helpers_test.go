package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"dailylog/pkg/clientstore"
	"dailylog/pkg/domain"
	"dailylog/pkg/feed"
	"dailylog/pkg/storage"
	"dailylog/pkg/store"
)

type fakeEnricher struct {
	mu            sync.Mutex
	suggestion    domain.Suggestion
	suggestErr    error
	candidate     *domain.ImprovementCandidate
	analyzeErr    error
	transcript    string
	transcribeErr error
	suggestCalls  int
	holdSuggest   chan struct{}
}

func (f *fakeEnricher) SuggestForMessage(ctx context.Context, text string) (domain.Suggestion, error) {
	f.mu.Lock()
	f.suggestCalls++
	hold := f.holdSuggest
	s, err := f.suggestion, f.suggestErr
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}
	return s, err
}

func (f *fakeEnricher) AnalyzeForSelfImprovement(ctx context.Context, text string) (*domain.ImprovementCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candidate, f.analyzeErr
}

func (f *fakeEnricher) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcript, f.transcribeErr
}

type harness struct {
	app     *App
	backing *store.MemoryStore
	store   *store.NotifyingStore
	feed    *feed.MemoryFeed
	client  *clientstore.MemoryStore
	archive *storage.MemoryArchive
	ai      *fakeEnricher
	clock   *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

const testPassword = "open-sesame"

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	h := &harness{
		backing: store.NewMemoryStore(),
		feed:    feed.NewMemoryFeed(64),
		client:  clientstore.NewMemoryStore(clock.Now),
		archive: storage.NewMemoryArchive(),
		ai:      &fakeEnricher{suggestion: domain.TextSuggestion("well done")},
		clock:   clock,
	}
	h.store = store.NewNotifyingStore(h.backing, h.feed, nil)
	h.app = h.newApp(t)
	return h
}

func (h *harness) newApp(t *testing.T) *App {
	t.Helper()
	a, err := New(Config{
		Store:             h.store,
		Feed:              h.feed,
		Enricher:          h.ai,
		Archive:           h.archive,
		ClientStore:       h.client,
		Password:          testPassword,
		Location:          time.UTC,
		EnrichmentTimeout: 5 * time.Second,
		Now:               h.clock.Now,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func (h *harness) login(t *testing.T, clientID string) *Session {
	t.Helper()
	s, err := h.app.Login(context.Background(), clientID, testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
