package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"dailylog/pkg/clientstore"
	"dailylog/pkg/domain"
	"dailylog/pkg/storage"
	"dailylog/pkg/store"
)

const (
	// CurrentUserKey is the client-side key of the selected user.
	CurrentUserKey = "chat_app_currentUser"
	// VoiceNoteText is the body of a message created from a voice clip.
	VoiceNoteText = "(voice note)"
)

// State is everything the view layer renders for one client.
type State struct {
	Authenticated bool                   `json:"authenticated"`
	CurrentUser   domain.User            `json:"currentUser"`
	Compose       string                 `json:"compose"`
	Transcribing  bool                   `json:"transcribing"`
	Queue         []domain.QueuedMessage `json:"queue"`
	Theme         domain.Theme           `json:"theme"`
	Prompt        *PendingPrompt         `json:"prompt,omitempty"`
	View
}

// Watcher receives change signals for a session. Each channel holds at most
// one pending signal; readers re-read the session state on receipt.
type Watcher struct {
	State  <-chan struct{}
	Prompt <-chan struct{}
	Done   <-chan struct{}
}

type watcher struct {
	state  chan struct{}
	prompt chan struct{}
}

// Session is the application core of one client: its gate, draft queue,
// mirrors, enrichment and prompt.
type Session struct {
	id       string
	store    store.Store
	ai       Enricher
	archive  storage.VoiceArchive
	client   clientstore.Store
	loc      *time.Location
	now      func() time.Time
	timeout  time.Duration
	logger   *slog.Logger
	pipeline *Pipeline

	gate       *Gate
	drafts     *DraftQueue
	reconciler *Reconciler
	prompt     Prompt

	mu           sync.Mutex
	currentUser  domain.User
	compose      string
	transcribing bool
	watchers     map[int]watcher
	nextWatcher  int
	lastSeen     time.Time
	closed       bool
	done         chan struct{}

	background sync.WaitGroup
}

func newSession(ctx context.Context, id string, cfg Config) *Session {
	logger := cfg.Logger.With("client_id", id)
	client := clientstore.NewScoped(cfg.ClientStore, id)
	s := &Session{
		id:       id,
		store:    cfg.Store,
		ai:       cfg.Enricher,
		archive:  cfg.Archive,
		client:   client,
		loc:      cfg.Location,
		now:      cfg.Now,
		timeout:  cfg.EnrichmentTimeout,
		logger:   logger,
		watchers: make(map[int]watcher),
		lastSeen: cfg.Now(),
		done:     make(chan struct{}),
	}
	s.pipeline = NewPipeline(cfg.Enricher, cfg.Store, cfg.EnrichmentTimeout, logger)
	s.gate = NewGate(ctx, client, cfg.Password, cfg.Now, logger)
	s.drafts = LoadDraftQueue(ctx, client, cfg.Now, logger)
	s.reconciler = NewReconciler(cfg.Store, cfg.Feed, logger, s.notifyState)
	s.currentUser = s.loadCurrentUser(ctx)
	if s.gate.IsAuthenticated() {
		s.startReconciler(ctx)
	}
	return s
}

// ID returns the client id of the session.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) loadCurrentUser(ctx context.Context) domain.User {
	raw, ok, err := s.client.Get(ctx, CurrentUserKey)
	if err != nil {
		s.logger.Warn("current_user_read_failed", "err", err)
		return domain.UserMeet
	}
	if !ok {
		return domain.UserMeet
	}
	var name string
	if err := json.Unmarshal([]byte(raw), &name); err != nil {
		s.logger.Warn("current_user_parse_failed", "err", err)
		return domain.UserMeet
	}
	u := domain.User(name)
	if !u.Valid() {
		return domain.UserMeet
	}
	return u
}

func (s *Session) startReconciler(ctx context.Context) {
	if err := s.reconciler.Start(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("reconciler_start_failed", "err", err)
	}
}

// requireAuth fails while the gate is closed and retries a reconciler that
// failed to start.
func (s *Session) requireAuth(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if !s.checkGate(ctx) {
		return ErrUnauthenticated
	}
	if !s.reconciler.Active() {
		s.startReconciler(ctx)
	}
	return nil
}

// Authenticated re-reads the credential marker and reports the gate state.
func (s *Session) Authenticated(ctx context.Context) bool {
	return s.checkGate(ctx)
}

// checkGate re-reads the marker. When it has lapsed since the last check the
// mirrors are torn down and any open prompt is dropped.
func (s *Session) checkGate(ctx context.Context) bool {
	was := s.gate.IsAuthenticated()
	if s.gate.Check(ctx) {
		return true
	}
	if was {
		s.logger.Info("auth_expired")
		s.closeGate()
	}
	return false
}

func (s *Session) closeGate() {
	s.reconciler.Stop()
	if _, ok := s.prompt.Take(); ok {
		s.notifyPrompt()
	}
	s.notifyState()
}

// Authenticate opens the gate with candidate and starts mirroring.
func (s *Session) Authenticate(ctx context.Context, candidate string) error {
	if !s.gate.Authenticate(ctx, candidate) {
		s.logger.Info("auth_rejected")
		return ErrIncorrectPassword
	}
	s.startReconciler(ctx)
	s.notifyState()
	return nil
}

// Logout closes the gate, tears down the subscription and drops any prompt.
func (s *Session) Logout(ctx context.Context) {
	s.gate.Logout(ctx)
	s.closeGate()
}

// CurrentUser returns the selected sender.
func (s *Session) CurrentUser() domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentUser
}

// SetCurrentUser switches the sender and persists the choice.
func (s *Session) SetCurrentUser(ctx context.Context, u domain.User) error {
	if err := s.requireAuth(ctx); err != nil {
		return err
	}
	if !u.Valid() {
		return ErrInvalidUser
	}
	s.mu.Lock()
	s.currentUser = u
	s.mu.Unlock()
	raw, _ := json.Marshal(string(u))
	if err := s.client.Set(ctx, CurrentUserKey, string(raw), 0); err != nil {
		s.logger.Warn("current_user_write_failed", "err", err)
	}
	s.notifyState()
	return nil
}

// Compose returns the compose input.
func (s *Session) Compose() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compose
}

// SetCompose replaces the compose input.
func (s *Session) SetCompose(ctx context.Context, text string) error {
	if err := s.requireAuth(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.compose = text
	s.mu.Unlock()
	s.notifyState()
	return nil
}

// Enqueue adds text to the draft queue and clears the compose input. Blank
// text is ignored and reported with false.
func (s *Session) Enqueue(ctx context.Context, text string) (domain.QueuedMessage, bool, error) {
	if err := s.requireAuth(ctx); err != nil {
		return domain.QueuedMessage{}, false, err
	}
	item, ok := s.drafts.Enqueue(ctx, text)
	if !ok {
		return domain.QueuedMessage{}, false, nil
	}
	s.mu.Lock()
	s.compose = ""
	s.mu.Unlock()
	s.notifyState()
	return item, true, nil
}

// Dequeue removes a draft. Removing an absent id is not an error.
func (s *Session) Dequeue(ctx context.Context, id int64) error {
	if err := s.requireAuth(ctx); err != nil {
		return err
	}
	if s.drafts.Dequeue(ctx, id) {
		s.notifyState()
	}
	return nil
}

// Queue returns the drafts in order.
func (s *Session) Queue() []domain.QueuedMessage {
	return s.drafts.Items()
}

// SendQueue folds the drafts into one message from the current user and
// starts enrichment. An empty queue returns nil without creating anything.
// The queue is emptied before the create call; if the call fails the drafts
// are put back at the head of the queue.
func (s *Session) SendQueue(ctx context.Context) (*domain.Message, error) {
	if err := s.requireAuth(ctx); err != nil {
		return nil, err
	}
	items := s.drafts.Take(ctx)
	if len(items) == 0 {
		return nil, nil
	}
	s.notifyState()
	sender := s.CurrentUser()
	msg, err := s.store.CreateMessage(ctx, domain.Message{
		Text:              RenderDrafts(items, s.loc),
		Timestamp:         s.now().UTC(),
		Sender:            sender,
		SuggestionLoading: true,
	})
	if err != nil {
		s.drafts.Restore(context.WithoutCancel(ctx), items)
		s.notifyState()
		s.logger.Error("send_queue_failed", "drafts", len(items), "err", err)
		return nil, fmt.Errorf("create message: %w", err)
	}
	s.logger.Info("message_sent", "message_id", msg.ID, "drafts", len(items), "sender", sender)

	done := s.pipeline.Run(msg, func(c domain.ImprovementCandidate) {
		s.prompt.Open(c, sender, s.now())
		s.notifyPrompt()
	})
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		<-done
	}()
	return &msg, nil
}

// SendVoiceNote creates a voice-note message from audio while transcribing
// it concurrently. The transcript lands in the compose input, not in a
// message; a failed transcription leaves the compose input unchanged.
func (s *Session) SendVoiceNote(ctx context.Context, audio []byte, mimeType string) (domain.Message, error) {
	if err := s.requireAuth(ctx); err != nil {
		return domain.Message{}, err
	}
	if len(audio) == 0 {
		return domain.Message{}, ErrEmptyAudio
	}
	sender := s.CurrentUser()

	s.mu.Lock()
	s.transcribing = true
	s.mu.Unlock()
	s.notifyState()

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.transcribe(audio, mimeType)
	}()

	msg, err := s.store.CreateMessage(ctx, domain.Message{
		Text:              VoiceNoteText,
		Timestamp:         s.now().UTC(),
		Sender:            sender,
		SuggestionLoading: false,
		Audio:             base64.StdEncoding.EncodeToString(audio),
	})
	if err != nil {
		s.logger.Error("voice_note_failed", "err", err)
		return domain.Message{}, fmt.Errorf("create voice note: %w", err)
	}
	if s.archive != nil {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			actx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if _, err := s.archive.PutClip(actx, msg.ID, audio, mimeType); err != nil {
				s.logger.Warn("voice_archive_failed", "message_id", msg.ID, "err", err)
			}
		}()
	}
	return msg, nil
}

func (s *Session) transcribe(audio []byte, mimeType string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	text, err := s.ai.Transcribe(ctx, audio, mimeType)
	s.mu.Lock()
	s.transcribing = false
	if err == nil {
		s.compose = text
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("transcription_failed", "err", err)
	}
	s.notifyState()
}

// AddTask appends a task to user's list.
func (s *Session) AddTask(ctx context.Context, user domain.User, text string) (domain.Task, error) {
	if err := s.requireAuth(ctx); err != nil {
		return domain.Task{}, err
	}
	if !user.Valid() {
		return domain.Task{}, ErrInvalidUser
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Task{}, ErrEmptyText
	}
	task, err := s.store.CreateTask(ctx, domain.Task{Text: text, User: user})
	if err != nil {
		return domain.Task{}, s.mutationFailed("create_task", err)
	}
	return task, nil
}

// ToggleTask flips the completed flag of a mirrored task.
func (s *Session) ToggleTask(ctx context.Context, id string) (domain.Task, error) {
	if err := s.requireAuth(ctx); err != nil {
		return domain.Task{}, err
	}
	current, ok := s.reconciler.Task(id)
	if !ok {
		return domain.Task{}, ErrTaskNotMirrored
	}
	completed := !current.Completed
	task, err := s.store.UpdateTask(ctx, id, domain.TaskPatch{Completed: &completed})
	if err != nil {
		return domain.Task{}, s.mutationFailed("toggle_task", err)
	}
	return task, nil
}

// UpdateTaskText rewrites a task.
func (s *Session) UpdateTaskText(ctx context.Context, id, text string) (domain.Task, error) {
	if err := s.requireAuth(ctx); err != nil {
		return domain.Task{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Task{}, ErrEmptyText
	}
	task, err := s.store.UpdateTask(ctx, id, domain.TaskPatch{Text: &text})
	if err != nil {
		return domain.Task{}, s.mutationFailed("update_task", err)
	}
	return task, nil
}

// DeleteTask removes a task.
func (s *Session) DeleteTask(ctx context.Context, id string) error {
	if err := s.requireAuth(ctx); err != nil {
		return err
	}
	if _, err := s.store.DeleteTask(ctx, id); err != nil {
		return s.mutationFailed("delete_task", err)
	}
	return nil
}

// UpdateSelfImprovement edits the text or completed flag of a goal.
func (s *Session) UpdateSelfImprovement(ctx context.Context, id string, patch domain.SelfImprovementPatch) (domain.SelfImprovement, error) {
	if err := s.requireAuth(ctx); err != nil {
		return domain.SelfImprovement{}, err
	}
	if patch.ImprovementText != nil {
		trimmed := strings.TrimSpace(*patch.ImprovementText)
		if trimmed == "" {
			return domain.SelfImprovement{}, ErrEmptyText
		}
		patch.ImprovementText = &trimmed
	}
	item, err := s.store.UpdateSelfImprovement(ctx, id, patch)
	if err != nil {
		return domain.SelfImprovement{}, s.mutationFailed("update_self_improvement", err)
	}
	return item, nil
}

// DeleteSelfImprovement removes a goal.
func (s *Session) DeleteSelfImprovement(ctx context.Context, id string) error {
	if err := s.requireAuth(ctx); err != nil {
		return err
	}
	if _, err := s.store.DeleteSelfImprovement(ctx, id); err != nil {
		return s.mutationFailed("delete_self_improvement", err)
	}
	return nil
}

// SetTheme stores user's theme color.
func (s *Session) SetTheme(ctx context.Context, user domain.User, color domain.ThemeColor) error {
	if err := s.requireAuth(ctx); err != nil {
		return err
	}
	if !user.Valid() {
		return ErrInvalidUser
	}
	if !color.Valid() {
		return ErrInvalidTheme
	}
	rec := domain.ThemeRecord{User: user, Theme: domain.ThemeSettings{ThemeColor: color}}
	if _, _, err := s.store.UpsertTheme(ctx, rec); err != nil {
		return s.mutationFailed("upsert_theme", err)
	}
	return nil
}

// Prompt returns the open self-improvement confirmation.
func (s *Session) Prompt() (PendingPrompt, bool) {
	return s.prompt.Current()
}

// ConfirmPrompt stores the pending goal for the user it was shown to and
// closes the prompt. If the write fails the prompt stays open.
func (s *Session) ConfirmPrompt(ctx context.Context) (domain.SelfImprovement, error) {
	if err := s.requireAuth(ctx); err != nil {
		return domain.SelfImprovement{}, err
	}
	pp, ok := s.prompt.Take()
	if !ok {
		return domain.SelfImprovement{}, ErrNoPendingPrompt
	}
	item, err := s.store.CreateSelfImprovement(ctx, domain.SelfImprovement{
		User:                 pp.Sender,
		ImprovementText:      pp.Candidate.ImprovementText,
		MotivationalSubtitle: pp.Candidate.MotivationalSubtitle,
	})
	if err != nil {
		s.prompt.Reopen(pp)
		return domain.SelfImprovement{}, s.mutationFailed("create_self_improvement", err)
	}
	s.notifyPrompt()
	return item, nil
}

// CancelPrompt discards the pending goal. It reports whether one was open.
func (s *Session) CancelPrompt(ctx context.Context) (bool, error) {
	if err := s.requireAuth(ctx); err != nil {
		return false, err
	}
	_, ok := s.prompt.Take()
	if ok {
		s.notifyPrompt()
	}
	return ok, nil
}

// Snapshot assembles the view state. Mirrors are empty while the gate is closed.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	st := State{
		Authenticated: s.gate.IsAuthenticated(),
		CurrentUser:   s.currentUser,
		Compose:       s.compose,
		Transcribing:  s.transcribing,
	}
	s.mu.Unlock()

	st.Queue = s.drafts.Items()
	st.View = s.reconciler.Snapshot()
	st.Theme = domain.LookupTheme(st.View.Themes[st.CurrentUser])
	if pp, ok := s.prompt.Current(); ok {
		st.Prompt = &pp
	}
	return st
}

// Watch registers for change signals until cancel is called or the session
// closes.
func (s *Session) Watch() (Watcher, func()) {
	w := watcher{state: make(chan struct{}, 1), prompt: make(chan struct{}, 1)}
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	if !s.closed {
		s.watchers[id] = w
	}
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.lastSeen = s.now()
		s.mu.Unlock()
	}
	return Watcher{State: w.state, Prompt: w.prompt, Done: s.done}, cancel
}

func (s *Session) notifyState() {
	s.signal(func(w watcher) chan struct{} { return w.state })
}

func (s *Session) notifyPrompt() {
	s.signal(func(w watcher) chan struct{} { return w.prompt })
}

func (s *Session) signal(pick func(watcher) chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers {
		select {
		case pick(w) <- struct{}{}:
		default:
		}
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = s.now()
	s.mu.Unlock()
}

// idle reports whether nobody is watching the session and it has not been
// looked up for at least ttl.
func (s *Session) idle(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers) == 0 && now.Sub(s.lastSeen) >= ttl
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Wait blocks until background enrichment, transcription and archive work
// started by this session has finished.
func (s *Session) Wait() {
	s.background.Wait()
}

// Close stops mirroring and releases watchers. Background work is not
// interrupted.
func (s *Session) Close() {
	s.reconciler.Stop()
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.watchers = map[int]watcher{}
		close(s.done)
	}
	s.mu.Unlock()
}

func (s *Session) mutationFailed(op string, err error) error {
	s.logger.Error("backend_mutation_failed", "op", op, "err", err)
	return fmt.Errorf("%s: %w", strings.ReplaceAll(op, "_", " "), err)
}
