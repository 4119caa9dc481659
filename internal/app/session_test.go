package app

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"testing"
	"time"

	"dailylog/pkg/domain"
	"dailylog/pkg/storage"
)

func TestSessionRequiresAuthentication(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.app.Session(ctx, "c1"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("lookup before login: %v", err)
	}
	if _, err := h.app.Login(ctx, "c1", "wrong"); !errors.Is(err, ErrIncorrectPassword) {
		t.Fatalf("wrong password: %v", err)
	}
	if h.app.Sessions() != 0 {
		t.Fatalf("failed login allocated a session")
	}

	s := newSession(ctx, "c1", h.app.cfg)
	defer s.Close()
	if _, _, err := s.Enqueue(ctx, "hi"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("enqueue before login: %v", err)
	}
	if err := s.Authenticate(ctx, "wrong"); !errors.Is(err, ErrIncorrectPassword) {
		t.Fatalf("wrong password: %v", err)
	}
	if st := s.Snapshot(); st.Authenticated || len(st.Messages) != 0 {
		t.Fatalf("unexpected state before login: %+v", st)
	}
	if h.feed.Subscribers() != 0 {
		t.Fatalf("closed gate must not subscribe")
	}
}

func TestSessionSendQueueFoldsDraftsAndEnriches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.login(t, "c1")

	h.clock.Set(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	_, _, _ = s.Enqueue(ctx, "a")
	h.clock.Set(time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC))
	_, _, _ = s.Enqueue(ctx, "b")

	msg, err := s.SendQueue(ctx)
	if err != nil || msg == nil {
		t.Fatalf("send: %v, %v", msg, err)
	}
	if msg.Text != "[10:00 AM] a\n[10:05 AM] b" || !msg.SuggestionLoading || msg.Sender != domain.UserMeet {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if len(s.Queue()) != 0 {
		t.Fatalf("queue should be empty after send")
	}
	s.Wait()

	stored, _ := h.backing.ListMessages(ctx)
	if len(stored) != 1 || stored[0].SuggestionLoading || stored[0].Suggestion == nil || stored[0].Suggestion.Text != "well done" {
		t.Fatalf("unexpected stored message: %+v", stored)
	}
	waitFor(t, "mirrored suggestion", func() bool {
		v := s.Snapshot()
		return len(v.Messages) == 1 && !v.Messages[0].SuggestionLoading
	})
}

func TestSessionSendEmptyQueueIsNoop(t *testing.T) {
	h := newHarness(t)
	s := h.login(t, "c1")
	msg, err := s.SendQueue(context.Background())
	if err != nil || msg != nil {
		t.Fatalf("empty send = %v, %v", msg, err)
	}
	if got, _ := h.backing.ListMessages(context.Background()); len(got) != 0 {
		t.Fatalf("empty send created %d messages", len(got))
	}
}

func TestSessionSuggestionFallback(t *testing.T) {
	cases := []struct {
		name       string
		suggestion domain.Suggestion
		err        error
	}{
		{name: "error", err: errors.New("model down")},
		{name: "empty", suggestion: domain.TextSuggestion("  ")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.ai.suggestion, h.ai.suggestErr = tc.suggestion, tc.err
			ctx := context.Background()
			s := h.login(t, "c1")
			_, _, _ = s.Enqueue(ctx, "rough day")
			if _, err := s.SendQueue(ctx); err != nil {
				t.Fatalf("send: %v", err)
			}
			s.Wait()
			stored, _ := h.backing.ListMessages(ctx)
			if stored[0].SuggestionLoading || stored[0].Suggestion == nil || stored[0].Suggestion.Text != SuggestionFallback {
				t.Fatalf("expected fallback, got %+v", stored[0])
			}
		})
	}
}

func TestSessionSuggestionLoadingVisibleUntilReply(t *testing.T) {
	h := newHarness(t)
	h.ai.holdSuggest = make(chan struct{})
	ctx := context.Background()
	s := h.login(t, "c1")
	_, _, _ = s.Enqueue(ctx, "hello")
	if _, err := s.SendQueue(ctx); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "loading message mirrored", func() bool {
		v := s.Snapshot()
		return len(v.Messages) == 1 && v.Messages[0].SuggestionLoading
	})
	close(h.ai.holdSuggest)
	s.Wait()
	waitFor(t, "loading cleared", func() bool {
		return !s.Snapshot().Messages[0].SuggestionLoading
	})
}

func TestSessionCreateFailureRestoresDrafts(t *testing.T) {
	h := newHarness(t)
	h.backing.FailCreateMessage = errors.New("db down")
	ctx := context.Background()
	s := h.login(t, "c1")
	_, _, _ = s.Enqueue(ctx, "one")
	_, _, _ = s.Enqueue(ctx, "two")

	if _, err := s.SendQueue(ctx); err == nil {
		t.Fatalf("expected send error")
	}
	items := s.Queue()
	if len(items) != 2 || items[0].Text != "one" || items[1].Text != "two" {
		t.Fatalf("drafts not restored: %+v", items)
	}
	if h.ai.suggestCalls != 0 {
		t.Fatalf("enrichment ran for a failed send")
	}
}

func TestSessionPromptConfirmCreatesOneGoalForSender(t *testing.T) {
	h := newHarness(t)
	h.ai.candidate = &domain.ImprovementCandidate{ImprovementText: "Sleep earlier", MotivationalSubtitle: "Rest fuels you."}
	ctx := context.Background()
	s := h.login(t, "c1")
	_, _, _ = s.Enqueue(ctx, "I should sleep earlier")
	if _, err := s.SendQueue(ctx); err != nil {
		t.Fatalf("send: %v", err)
	}
	s.Wait()

	pp, ok := s.Prompt()
	if !ok || pp.Sender != domain.UserMeet || pp.Candidate.ImprovementText != "Sleep earlier" {
		t.Fatalf("unexpected prompt: %+v, %v", pp, ok)
	}
	// Switching user after the prompt opened does not change its owner.
	if err := s.SetCurrentUser(ctx, domain.UserKhushi); err != nil {
		t.Fatalf("switch user: %v", err)
	}
	item, err := s.ConfirmPrompt(ctx)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if item.User != domain.UserMeet || item.Completed {
		t.Fatalf("unexpected goal: %+v", item)
	}
	if _, err := s.ConfirmPrompt(ctx); !errors.Is(err, ErrNoPendingPrompt) {
		t.Fatalf("second confirm: %v", err)
	}
	goals, _ := h.backing.ListSelfImprovements(ctx)
	if len(goals) != 1 {
		t.Fatalf("expected exactly one goal, got %d", len(goals))
	}
}

func TestSessionPromptCancelCreatesNothing(t *testing.T) {
	h := newHarness(t)
	h.ai.candidate = &domain.ImprovementCandidate{ImprovementText: "Walk daily", MotivationalSubtitle: "Small steps."}
	ctx := context.Background()
	s := h.login(t, "c1")
	_, _, _ = s.Enqueue(ctx, "I want to walk more")
	_, _ = s.SendQueue(ctx)
	s.Wait()

	ok, err := s.CancelPrompt(ctx)
	if err != nil || !ok {
		t.Fatalf("cancel = %v, %v", ok, err)
	}
	if _, open := s.Prompt(); open {
		t.Fatalf("prompt still open")
	}
	goals, _ := h.backing.ListSelfImprovements(ctx)
	if len(goals) != 0 {
		t.Fatalf("cancel created %d goals", len(goals))
	}
}

func TestSessionNoCandidateMeansNoPrompt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.login(t, "c1")
	_, _, _ = s.Enqueue(ctx, "just a normal day")
	_, _ = s.SendQueue(ctx)
	s.Wait()
	if _, ok := s.Prompt(); ok {
		t.Fatalf("prompt opened without a candidate")
	}
}

func TestSessionVoiceNote(t *testing.T) {
	h := newHarness(t)
	h.ai.transcript = "went for a run"
	ctx := context.Background()
	s := h.login(t, "c1")
	audio := []byte("webm-bytes")

	msg, err := s.SendVoiceNote(ctx, audio, "audio/webm")
	if err != nil {
		t.Fatalf("voice note: %v", err)
	}
	if msg.Text != VoiceNoteText || msg.SuggestionLoading || msg.Audio != base64.StdEncoding.EncodeToString(audio) {
		t.Fatalf("unexpected voice message: %+v", msg)
	}
	s.Wait()
	if got := s.Compose(); got != "went for a run" {
		t.Fatalf("compose = %q", got)
	}
	if s.Snapshot().Transcribing {
		t.Fatalf("transcribing flag left set")
	}
	clip, ok := h.archive.Get(storage.ClipKey(msg.ID))
	if !ok || string(clip.Data) != "webm-bytes" {
		t.Fatalf("clip not archived")
	}
	if h.ai.suggestCalls != 0 {
		t.Fatalf("voice notes are not enriched")
	}
}

func TestSessionVoiceNoteTranscriptionFailureKeepsCompose(t *testing.T) {
	h := newHarness(t)
	h.ai.transcribeErr = errors.New("no speech")
	ctx := context.Background()
	s := h.login(t, "c1")
	_ = s.SetCompose(ctx, "draft in progress")
	if _, err := s.SendVoiceNote(ctx, []byte{1, 2}, ""); err != nil {
		t.Fatalf("voice note: %v", err)
	}
	s.Wait()
	if got := s.Compose(); got != "draft in progress" {
		t.Fatalf("compose = %q", got)
	}
	if _, err := s.SendVoiceNote(ctx, nil, ""); !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("empty audio: %v", err)
	}
}

func TestSessionTasksAndThemes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.login(t, "c1")

	task, err := s.AddTask(ctx, domain.UserKhushi, "  call mom ")
	if err != nil || task.Text != "call mom" {
		t.Fatalf("add task = %+v, %v", task, err)
	}
	if _, err := s.AddTask(ctx, domain.UserKhushi, " "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("blank task: %v", err)
	}
	waitFor(t, "task mirrored", func() bool { return len(s.Snapshot().Tasks[domain.UserKhushi]) == 1 })

	toggled, err := s.ToggleTask(ctx, task.ID)
	if err != nil || !toggled.Completed {
		t.Fatalf("toggle = %+v, %v", toggled, err)
	}
	if _, err := s.ToggleTask(ctx, "missing"); !errors.Is(err, ErrTaskNotMirrored) {
		t.Fatalf("toggle missing: %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, "task removed", func() bool { return len(s.Snapshot().Tasks[domain.UserKhushi]) == 0 })

	if err := s.SetTheme(ctx, domain.UserMeet, "plaid"); !errors.Is(err, ErrInvalidTheme) {
		t.Fatalf("invalid theme: %v", err)
	}
	if err := s.SetTheme(ctx, domain.UserMeet, domain.ThemeEmerald); err != nil {
		t.Fatalf("set theme: %v", err)
	}
	waitFor(t, "theme mirrored", func() bool {
		return s.Snapshot().Theme == domain.LookupTheme(domain.ThemeEmerald)
	})
}

func TestSessionCurrentUserPersistsAcrossRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.login(t, "c1")
	if err := s.SetCurrentUser(ctx, domain.UserKhushi); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if err := s.SetCurrentUser(ctx, "Bob"); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("invalid user: %v", err)
	}

	restarted, err := h.newApp(t).Session(ctx, "c1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if !restarted.Authenticated(ctx) || restarted.CurrentUser() != domain.UserKhushi {
		t.Fatalf("restored session = authed %v user %q", restarted.Authenticated(ctx), restarted.CurrentUser())
	}
	if _, err := h.app.Session(ctx, "c2"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("unknown client resolved: %v", err)
	}
	if other := h.login(t, "c2"); other.CurrentUser() != domain.UserMeet {
		t.Fatalf("client state leaked between sessions")
	}
}

func TestSessionLogoutStopsMirroring(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.login(t, "c1")
	if h.feed.Subscribers() != 1 {
		t.Fatalf("expected one subscription after login")
	}
	s.Logout(ctx)
	if s.Authenticated(ctx) || h.feed.Subscribers() != 0 {
		t.Fatalf("logout left the session live")
	}
	if _, err := s.AddTask(ctx, domain.UserMeet, "x"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("add task after logout: %v", err)
	}
}

func TestSessionWatcherSignalsChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.login(t, "c1")
	w, cancel := s.Watch()
	defer cancel()

	_, _, _ = s.Enqueue(ctx, "note")
	select {
	case <-w.State:
	case <-time.After(time.Second):
		t.Fatalf("no state signal")
	}
	s.Close()
	select {
	case <-w.Done:
	case <-time.After(time.Second):
		t.Fatalf("done not closed")
	}
}

func TestAppShutdownRejectsNewSessions(t *testing.T) {
	h := newHarness(t)
	h.login(t, "c1")
	if err := h.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := h.app.Session(context.Background(), "c2"); !errors.Is(err, ErrClosed) {
		t.Fatalf("session after shutdown: %v", err)
	}
	if h.app.Sessions() != 0 {
		t.Fatalf("sessions left after shutdown")
	}
}

func TestSessionGateClosesWhenMarkerExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := h.clock.Now()
	s := h.login(t, "browser-abc123")

	h.clock.Set(start.Add(29 * 24 * time.Hour))
	again, err := h.app.Session(ctx, "browser-abc123")
	if err != nil || again != s {
		t.Fatalf("lookup within 30 days = %p, %v", again, err)
	}
	if !again.Authenticated(ctx) {
		t.Fatalf("marker should still be valid on day 29")
	}

	h.clock.Set(start.Add(31 * 24 * time.Hour))
	again, err = h.app.Session(ctx, "browser-abc123")
	if err != nil {
		t.Fatalf("lookup after expiry: %v", err)
	}
	if again.Authenticated(ctx) {
		t.Fatalf("gate stayed open after the marker expired")
	}
	if h.feed.Subscribers() != 0 || len(again.Snapshot().Messages) != 0 {
		t.Fatalf("mirroring continued after expiry")
	}
	if _, err := again.AddTask(ctx, domain.UserMeet, "x"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("add task after expiry: %v", err)
	}

	if _, err := h.app.Login(ctx, "browser-abc123", testPassword); err != nil {
		t.Fatalf("re-login: %v", err)
	}
	if !again.Authenticated(ctx) || h.feed.Subscribers() != 1 {
		t.Fatalf("re-login should reopen the same session")
	}
}

func TestAppNeverAllocatesForAnonymousCallers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		id := "anon-" + strconv.Itoa(i)
		if _, err := h.app.Session(ctx, id); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("lookup %s: %v", id, err)
		}
		if _, err := h.app.Login(ctx, id, "guess"); !errors.Is(err, ErrIncorrectPassword) {
			t.Fatalf("login %s: %v", id, err)
		}
	}
	if n := h.app.Sessions(); n != 0 {
		t.Fatalf("anonymous traffic left %d sessions", n)
	}
}

func TestAppEvictsIdleSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := h.clock.Now()
	h.login(t, "c1")
	watched := h.login(t, "c2")
	_, stopWatching := watched.Watch()
	if h.app.Sessions() != 2 || h.feed.Subscribers() != 2 {
		t.Fatalf("expected two live sessions")
	}

	h.clock.Set(start.Add(10 * time.Minute))
	if n := h.app.EvictIdle(); n != 0 {
		t.Fatalf("evicted %d sessions before the idle timeout", n)
	}

	h.clock.Set(start.Add(31 * time.Minute))
	if n := h.app.EvictIdle(); n != 1 {
		t.Fatalf("expected only the unwatched session evicted, got %d", n)
	}
	if h.app.Sessions() != 1 || h.feed.Subscribers() != 1 {
		t.Fatalf("evicted session kept its subscription")
	}

	stopWatching()
	h.clock.Set(start.Add(60 * time.Minute))
	if n := h.app.EvictIdle(); n != 0 {
		t.Fatalf("grace period ignored after the last watcher left")
	}
	h.clock.Set(start.Add(62 * time.Minute))
	if n := h.app.EvictIdle(); n != 1 || h.app.Sessions() != 0 || h.feed.Subscribers() != 0 {
		t.Fatalf("watched session not released after its grace period")
	}
	if _, err := watched.AddTask(ctx, domain.UserMeet, "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("evicted session still usable: %v", err)
	}

	back, err := h.app.Session(ctx, "c1")
	if err != nil || !back.Authenticated(ctx) {
		t.Fatalf("valid marker should restore an evicted client: %v", err)
	}
	if h.app.Sessions() != 1 {
		t.Fatalf("expected the restored session to be registered")
	}
}
