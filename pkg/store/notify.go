package store

import (
	"context"
	"log/slog"
	"sync"

	"dailylog/pkg/domain"
	"dailylog/pkg/feed"
)

// NotifyingStore wraps a Store and publishes a feed event after every
// committed write. Reads pass through. A failed publish is logged; the
// write itself has already succeeded and is not reported as an error.
//
// Writes to one table hold that table's lock until their event is
// published, so events leave in commit order per table.
type NotifyingStore struct {
	Store
	pub    feed.Publisher
	logger *slog.Logger
	locks  map[feed.Table]*sync.Mutex
}

// NewNotifyingStore wraps inner so writes are announced on pub.
func NewNotifyingStore(inner Store, pub feed.Publisher, logger *slog.Logger) *NotifyingStore {
	if logger == nil {
		logger = slog.Default()
	}
	locks := make(map[feed.Table]*sync.Mutex)
	for _, t := range []feed.Table{feed.TableMessages, feed.TableTasks, feed.TableThemes, feed.TableSelfImprovements} {
		locks[t] = &sync.Mutex{}
	}
	return &NotifyingStore{Store: inner, pub: pub, logger: logger, locks: locks}
}

func (s *NotifyingStore) lock(table feed.Table) func() {
	mu := s.locks[table]
	mu.Lock()
	return mu.Unlock
}

func (s *NotifyingStore) publish(ctx context.Context, table feed.Table, op feed.Op, newRow, oldRow any) {
	ev, err := feed.NewEvent(table, op, newRow, oldRow)
	if err != nil {
		s.logger.Error("feed_encode_failed", "table", table, "op", op, "err", err)
		return
	}
	if err := s.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Error("feed_publish_failed", "table", table, "op", op, "err", err)
	}
}

func (s *NotifyingStore) CreateMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	defer s.lock(feed.TableMessages)()
	out, err := s.Store.CreateMessage(ctx, msg)
	if err != nil {
		return out, err
	}
	s.publish(ctx, feed.TableMessages, feed.OpInsert, out, nil)
	return out, nil
}

func (s *NotifyingStore) UpdateMessageSuggestion(ctx context.Context, id string, suggestion domain.Suggestion, loading bool) (domain.Message, error) {
	defer s.lock(feed.TableMessages)()
	out, err := s.Store.UpdateMessageSuggestion(ctx, id, suggestion, loading)
	if err != nil {
		return out, err
	}
	s.publish(ctx, feed.TableMessages, feed.OpUpdate, out, nil)
	return out, nil
}

func (s *NotifyingStore) CreateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	defer s.lock(feed.TableTasks)()
	out, err := s.Store.CreateTask(ctx, task)
	if err != nil {
		return out, err
	}
	s.publish(ctx, feed.TableTasks, feed.OpInsert, out, nil)
	return out, nil
}

func (s *NotifyingStore) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	defer s.lock(feed.TableTasks)()
	out, err := s.Store.UpdateTask(ctx, id, patch)
	if err != nil {
		return out, err
	}
	s.publish(ctx, feed.TableTasks, feed.OpUpdate, out, nil)
	return out, nil
}

func (s *NotifyingStore) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	defer s.lock(feed.TableTasks)()
	out, err := s.Store.DeleteTask(ctx, id)
	if err != nil {
		return out, err
	}
	s.publish(ctx, feed.TableTasks, feed.OpDelete, nil, out)
	return out, nil
}

func (s *NotifyingStore) UpsertTheme(ctx context.Context, rec domain.ThemeRecord) (domain.ThemeRecord, bool, error) {
	defer s.lock(feed.TableThemes)()
	out, created, err := s.Store.UpsertTheme(ctx, rec)
	if err != nil {
		return out, created, err
	}
	op := feed.OpUpdate
	if created {
		op = feed.OpInsert
	}
	s.publish(ctx, feed.TableThemes, op, out, nil)
	return out, created, nil
}

func (s *NotifyingStore) CreateSelfImprovement(ctx context.Context, item domain.SelfImprovement) (domain.SelfImprovement, error) {
	defer s.lock(feed.TableSelfImprovements)()
	out, err := s.Store.CreateSelfImprovement(ctx, item)
	if err != nil {
		return out, err
	}
	s.publish(ctx, feed.TableSelfImprovements, feed.OpInsert, out, nil)
	return out, nil
}

func (s *NotifyingStore) UpdateSelfImprovement(ctx context.Context, id string, patch domain.SelfImprovementPatch) (domain.SelfImprovement, error) {
	defer s.lock(feed.TableSelfImprovements)()
	out, err := s.Store.UpdateSelfImprovement(ctx, id, patch)
	if err != nil {
		return out, err
	}
	s.publish(ctx, feed.TableSelfImprovements, feed.OpUpdate, out, nil)
	return out, nil
}

func (s *NotifyingStore) DeleteSelfImprovement(ctx context.Context, id string) (domain.SelfImprovement, error) {
	defer s.lock(feed.TableSelfImprovements)()
	out, err := s.Store.DeleteSelfImprovement(ctx, id)
	if err != nil {
		return out, err
	}
	s.publish(ctx, feed.TableSelfImprovements, feed.OpDelete, nil, out)
	return out, nil
}
