package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"dailylog/pkg/domain"
	"dailylog/pkg/feed"
)

// Source is the bulk-read side of the backend.
type Source interface {
	ListMessages(ctx context.Context) ([]domain.Message, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	ListThemes(ctx context.Context) ([]domain.ThemeRecord, error)
	ListSelfImprovements(ctx context.Context) ([]domain.SelfImprovement, error)
}

// View is a point-in-time copy of the mirrored backend state.
type View struct {
	Messages         []domain.Message                  `json:"messages"`
	Tasks            map[domain.User][]domain.Task     `json:"tasks"`
	SelfImprovements []domain.SelfImprovement          `json:"selfImprovements"`
	Themes           map[domain.User]domain.ThemeColor `json:"themes"`
}

func emptyView() View {
	v := View{
		Messages:         []domain.Message{},
		Tasks:            make(map[domain.User][]domain.Task, len(domain.Users)),
		SelfImprovements: []domain.SelfImprovement{},
		Themes:           make(map[domain.User]domain.ThemeColor, len(domain.Users)),
	}
	for _, u := range domain.Users {
		v.Tasks[u] = []domain.Task{}
		v.Themes[u] = domain.DefaultThemeColor(u)
	}
	return v
}

func (v View) clone() View {
	out := View{
		Messages:         append([]domain.Message{}, v.Messages...),
		Tasks:            make(map[domain.User][]domain.Task, len(v.Tasks)),
		SelfImprovements: append([]domain.SelfImprovement{}, v.SelfImprovements...),
		Themes:           make(map[domain.User]domain.ThemeColor, len(v.Themes)),
	}
	for u, tasks := range v.Tasks {
		out.Tasks[u] = append([]domain.Task{}, tasks...)
	}
	for u, c := range v.Themes {
		out.Themes[u] = c
	}
	return out
}

// Reconciler mirrors the four backend tables. It bulk-loads on Start and then
// applies change-feed events on a single goroutine until Stop.
type Reconciler struct {
	src      Source
	sub      feed.Subscriber
	logger   *slog.Logger
	onChange func()

	mu      sync.Mutex
	view    View
	active  bool
	gen     uint64
	stream  feed.Subscription
	stopped chan struct{}
}

// NewReconciler builds an idle reconciler. onChange, when set, runs after
// every mirror change and must not block.
func NewReconciler(src Source, sub feed.Subscriber, logger *slog.Logger, onChange func()) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if onChange == nil {
		onChange = func() {}
	}
	return &Reconciler{src: src, sub: sub, logger: logger, onChange: onChange, view: emptyView()}
}

// Start subscribes to the feed, loads all four tables concurrently, and then
// begins applying events. Events that arrive during the load are applied
// after it, and inserts of rows the load already returned replace them
// rather than duplicating. Start on a running reconciler is a no-op.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	stream, err := r.sub.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	view, err := r.load(ctx)
	if err != nil {
		_ = stream.Close()
		return err
	}

	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		_ = stream.Close()
		return nil
	}
	r.gen++
	r.active = true
	r.view = view
	r.stream = stream
	r.stopped = make(chan struct{})
	gen, stopped := r.gen, r.stopped
	r.mu.Unlock()

	r.onChange()
	go r.run(gen, stream, stopped)
	return nil
}

func (r *Reconciler) load(ctx context.Context) (View, error) {
	view := emptyView()
	var (
		messages     []domain.Message
		tasks        []domain.Task
		themes       []domain.ThemeRecord
		improvements []domain.SelfImprovement
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		messages, err = r.src.ListMessages(gctx)
		if err != nil {
			return fmt.Errorf("fetch messages: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		tasks, err = r.src.ListTasks(gctx)
		if err != nil {
			return fmt.Errorf("fetch tasks: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		themes, err = r.src.ListThemes(gctx)
		if err != nil {
			return fmt.Errorf("fetch themes: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		improvements, err = r.src.ListSelfImprovements(gctx)
		if err != nil {
			return fmt.Errorf("fetch self improvements: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return View{}, err
	}

	view.Messages = append(view.Messages, messages...)
	for _, t := range tasks {
		if t.User.Valid() {
			view.Tasks[t.User] = append(view.Tasks[t.User], t)
		}
	}
	for _, rec := range themes {
		if rec.User.Valid() {
			view.Themes[rec.User] = rec.Theme.ThemeColor
		}
	}
	view.SelfImprovements = append(view.SelfImprovements, improvements...)
	return view, nil
}

func (r *Reconciler) run(gen uint64, stream feed.Subscription, stopped chan struct{}) {
	defer close(stopped)
	for ev := range stream.Events() {
		if ev.Schema != "" && ev.Schema != feed.Schema {
			continue
		}
		if r.apply(gen, ev) {
			r.onChange()
		}
	}
}

// apply merges one event. It reports whether the mirror changed; events for
// a stopped or replaced generation are dropped.
func (r *Reconciler) apply(gen uint64, ev feed.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active || r.gen != gen {
		return false
	}
	var err error
	switch ev.Table {
	case feed.TableMessages:
		r.view.Messages, err = applyMessageEvent(r.view.Messages, ev)
	case feed.TableTasks:
		err = applyTaskEvent(r.view.Tasks, ev)
	case feed.TableSelfImprovements:
		r.view.SelfImprovements, err = applyImprovementEvent(r.view.SelfImprovements, ev)
	case feed.TableThemes:
		err = applyThemeEvent(r.view.Themes, ev)
	default:
		return false
	}
	if err != nil {
		r.logger.Warn("feed_event_dropped", "table", ev.Table, "op", ev.Type, "err", err)
		return false
	}
	return true
}

// Stop closes the subscription and waits for the event loop to exit. The
// mirrors are cleared.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	r.active = false
	stream, stopped := r.stream, r.stopped
	r.stream = nil
	r.view = emptyView()
	r.mu.Unlock()

	if err := stream.Close(); err != nil {
		r.logger.Warn("feed_unsubscribe_failed", "err", err)
	}
	<-stopped
	r.onChange()
}

// Active reports whether the reconciler is running.
func (r *Reconciler) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Snapshot returns a copy of the mirrors.
func (r *Reconciler) Snapshot() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view.clone()
}

// Task returns the mirrored task with id.
func (r *Reconciler) Task(id string) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tasks := range r.view.Tasks {
		for _, t := range tasks {
			if t.ID == id {
				return t, true
			}
		}
	}
	return domain.Task{}, false
}

// SelfImprovement returns the mirrored goal with id.
func (r *Reconciler) SelfImprovement(id string) (domain.SelfImprovement, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range r.view.SelfImprovements {
		if item.ID == id {
			return item, true
		}
	}
	return domain.SelfImprovement{}, false
}

func applyMessageEvent(list []domain.Message, ev feed.Event) ([]domain.Message, error) {
	switch ev.Type {
	case feed.OpInsert:
		var msg domain.Message
		if err := ev.DecodeNew(&msg); err != nil {
			return list, err
		}
		for i := range list {
			if list[i].ID == msg.ID {
				list[i] = msg
				return list, nil
			}
		}
		return append(list, msg), nil
	case feed.OpUpdate:
		var msg domain.Message
		if err := ev.DecodeNew(&msg); err != nil {
			return list, err
		}
		for i := range list {
			if list[i].ID == msg.ID {
				list[i] = msg
				break
			}
		}
		return list, nil
	}
	return list, fmt.Errorf("unsupported message op %q", ev.Type)
}

func applyTaskEvent(buckets map[domain.User][]domain.Task, ev feed.Event) error {
	var newTask, oldTask domain.Task
	if len(ev.New) > 0 {
		if err := ev.DecodeNew(&newTask); err != nil {
			return err
		}
	}
	if len(ev.Old) > 0 {
		if err := ev.DecodeOld(&oldTask); err != nil {
			return err
		}
	}
	user := newTask.User
	if user == "" {
		user = oldTask.User
	}
	if !user.Valid() {
		return fmt.Errorf("task event without a known user")
	}
	bucket := buckets[user]
	switch ev.Type {
	case feed.OpInsert:
		for i := range bucket {
			if bucket[i].ID == newTask.ID {
				bucket[i] = newTask
				buckets[user] = bucket
				return nil
			}
		}
		buckets[user] = append(bucket, newTask)
	case feed.OpUpdate:
		for i := range bucket {
			if bucket[i].ID == newTask.ID {
				bucket[i] = newTask
				break
			}
		}
	case feed.OpDelete:
		id := oldTask.ID
		if id == "" {
			id = newTask.ID
		}
		kept := bucket[:0:0]
		for _, t := range bucket {
			if t.ID != id {
				kept = append(kept, t)
			}
		}
		buckets[user] = kept
	default:
		return fmt.Errorf("unsupported task op %q", ev.Type)
	}
	return nil
}

// applyImprovementEvent keeps the list sorted by created_at descending. A new
// row is placed before existing rows with the same timestamp.
func applyImprovementEvent(list []domain.SelfImprovement, ev feed.Event) ([]domain.SelfImprovement, error) {
	switch ev.Type {
	case feed.OpInsert:
		var item domain.SelfImprovement
		if err := ev.DecodeNew(&item); err != nil {
			return list, err
		}
		next := make([]domain.SelfImprovement, 0, len(list)+1)
		next = append(next, item)
		for _, existing := range list {
			if existing.ID != item.ID {
				next = append(next, existing)
			}
		}
		sort.SliceStable(next, func(i, j int) bool {
			return next[i].CreatedAt.After(next[j].CreatedAt)
		})
		return next, nil
	case feed.OpUpdate:
		var item domain.SelfImprovement
		if err := ev.DecodeNew(&item); err != nil {
			return list, err
		}
		for i := range list {
			if list[i].ID == item.ID {
				list[i] = item
				break
			}
		}
		return list, nil
	case feed.OpDelete:
		var old domain.SelfImprovement
		if err := ev.DecodeOld(&old); err != nil {
			return list, err
		}
		kept := list[:0:0]
		for _, item := range list {
			if item.ID != old.ID {
				kept = append(kept, item)
			}
		}
		return kept, nil
	}
	return list, fmt.Errorf("unsupported self improvement op %q", ev.Type)
}

func applyThemeEvent(themes map[domain.User]domain.ThemeColor, ev feed.Event) error {
	if ev.Type == feed.OpDelete {
		var old domain.ThemeRecord
		if err := ev.DecodeOld(&old); err != nil {
			return err
		}
		if !old.User.Valid() {
			return fmt.Errorf("theme event without a known user")
		}
		themes[old.User] = domain.DefaultThemeColor(old.User)
		return nil
	}
	var rec domain.ThemeRecord
	if err := ev.DecodeNew(&rec); err != nil {
		return err
	}
	if !rec.User.Valid() {
		return fmt.Errorf("theme event without a known user")
	}
	themes[rec.User] = rec.Theme.ThemeColor
	return nil
}
