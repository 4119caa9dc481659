package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"dailylog/pkg/clientstore"
	"dailylog/pkg/domain"
)

// QueueKey is the client-side key of the persisted draft queue.
const QueueKey = "chat_app_messageQueue"

// draftTimeLayout renders a 12-hour clock with a two-digit hour, e.g. "09:05 PM".
const draftTimeLayout = "03:04 PM"

// DraftQueue is the ordered buffer of fragments waiting to be sent as one
// message. Every change is persisted best-effort.
type DraftQueue struct {
	store  clientstore.Store
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	items  []domain.QueuedMessage
	lastID int64
}

// LoadDraftQueue restores the persisted queue. Unreadable state is logged
// and replaced by an empty queue.
func LoadDraftQueue(ctx context.Context, store clientstore.Store, now func() time.Time, logger *slog.Logger) *DraftQueue {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &DraftQueue{store: store, now: now, logger: logger}
	raw, ok, err := store.Get(ctx, QueueKey)
	if err != nil {
		logger.Warn("draft_queue_read_failed", "err", err)
		return q
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return q
	}
	var items []domain.QueuedMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		logger.Warn("draft_queue_parse_failed", "err", err)
		return q
	}
	q.items = items
	for _, it := range items {
		if it.ID > q.lastID {
			q.lastID = it.ID
		}
	}
	return q
}

// Enqueue appends text stamped with the current time. Blank text is ignored.
func (q *DraftQueue) Enqueue(ctx context.Context, text string) (domain.QueuedMessage, bool) {
	if strings.TrimSpace(text) == "" {
		return domain.QueuedMessage{}, false
	}
	q.mu.Lock()
	now := q.now()
	id := now.UnixMilli()
	if id <= q.lastID {
		id = q.lastID + 1
	}
	q.lastID = id
	item := domain.QueuedMessage{ID: id, Text: text, Timestamp: now}
	q.items = append(q.items, item)
	snapshot := cloneDrafts(q.items)
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	return item, true
}

// Dequeue removes the entry with id. It reports whether an entry was removed.
func (q *DraftQueue) Dequeue(ctx context.Context, id int64) bool {
	q.mu.Lock()
	idx := -1
	for i, it := range q.items {
		if it.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	snapshot := cloneDrafts(q.items)
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	return true
}

// Items returns a copy of the queue in insertion order.
func (q *DraftQueue) Items() []domain.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneDrafts(q.items)
}

// Take empties the queue and returns what it held. Concurrent callers get
// disjoint sets.
func (q *DraftQueue) Take(ctx context.Context) []domain.QueuedMessage {
	q.mu.Lock()
	taken := q.items
	q.items = nil
	q.mu.Unlock()

	if len(taken) > 0 {
		q.persist(ctx, nil)
	}
	return taken
}

// Restore puts entries back at the head of the queue, ahead of anything
// enqueued since they were taken.
func (q *DraftQueue) Restore(ctx context.Context, items []domain.QueuedMessage) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	merged := make([]domain.QueuedMessage, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	q.items = merged
	snapshot := cloneDrafts(q.items)
	q.mu.Unlock()

	q.persist(ctx, snapshot)
}

func (q *DraftQueue) persist(ctx context.Context, items []domain.QueuedMessage) {
	if items == nil {
		items = []domain.QueuedMessage{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		q.logger.Warn("draft_queue_encode_failed", "err", err)
		return
	}
	if err := q.store.Set(ctx, QueueKey, string(raw), 0); err != nil {
		q.logger.Warn("draft_queue_write_failed", "err", err)
	}
}

// RenderDrafts joins entries as "[hh:mm AM] text" lines using each entry's
// own capture time in loc.
func RenderDrafts(items []domain.QueuedMessage, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("[%s] %s", it.Timestamp.In(loc).Format(draftTimeLayout), it.Text))
	}
	return strings.Join(lines, "\n")
}

func cloneDrafts(items []domain.QueuedMessage) []domain.QueuedMessage {
	out := make([]domain.QueuedMessage, len(items))
	copy(out, items)
	return out
}
