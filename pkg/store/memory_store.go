package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"dailylog/pkg/domain"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu           sync.Mutex
	messages     []domain.Message
	tasks        []domain.Task
	themes       map[domain.User]domain.ThemeRecord
	improvements []domain.SelfImprovement

	// FailCreateMessage, when set, makes CreateMessage return it.
	FailCreateMessage error
}

// NewMemoryStore builds an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{themes: make(map[domain.User]domain.ThemeRecord)}
}

func (m *MemoryStore) ListMessages(context.Context) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Message, len(m.messages))
	copy(res, m.messages)
	sort.SliceStable(res, func(i, j int) bool { return res[i].Timestamp.Before(res[j].Timestamp) })
	return res, nil
}

func (m *MemoryStore) CreateMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreateMessage != nil {
		return domain.Message{}, m.FailCreateMessage
	}
	msg = prepareMessage(msg)
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *MemoryStore) UpdateMessageSuggestion(_ context.Context, id string, suggestion domain.Suggestion, loading bool) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID == id {
			s := suggestion
			m.messages[i].Suggestion = &s
			m.messages[i].SuggestionLoading = loading
			return m.messages[i], nil
		}
	}
	return domain.Message{}, ErrNotFound
}

func (m *MemoryStore) ListTasks(context.Context) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Task, len(m.tasks))
	copy(res, m.tasks)
	return res, nil
}

func (m *MemoryStore) CreateTask(_ context.Context, task domain.Task) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	m.tasks = append(m.tasks, task)
	return task, nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID != id {
			continue
		}
		if patch.Text != nil {
			m.tasks[i].Text = *patch.Text
		}
		if patch.Completed != nil {
			m.tasks[i].Completed = *patch.Completed
		}
		return m.tasks[i], nil
	}
	return domain.Task{}, ErrNotFound
}

func (m *MemoryStore) DeleteTask(_ context.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID == id {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return t, nil
		}
	}
	return domain.Task{}, ErrNotFound
}

func (m *MemoryStore) ListThemes(context.Context) ([]domain.ThemeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.ThemeRecord, 0, len(m.themes))
	for _, u := range domain.Users {
		if rec, ok := m.themes[u]; ok {
			res = append(res, rec)
		}
	}
	return res, nil
}

func (m *MemoryStore) UpsertTheme(_ context.Context, rec domain.ThemeRecord) (domain.ThemeRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.themes[rec.User]
	m.themes[rec.User] = rec
	return rec, !existed, nil
}

func (m *MemoryStore) ListSelfImprovements(context.Context) ([]domain.SelfImprovement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.SelfImprovement, len(m.improvements))
	copy(res, m.improvements)
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) CreateSelfImprovement(_ context.Context, item domain.SelfImprovement) (domain.SelfImprovement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item = prepareImprovement(item)
	m.improvements = append(m.improvements, item)
	return item, nil
}

func (m *MemoryStore) UpdateSelfImprovement(_ context.Context, id string, patch domain.SelfImprovementPatch) (domain.SelfImprovement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.improvements {
		if m.improvements[i].ID != id {
			continue
		}
		if patch.ImprovementText != nil {
			m.improvements[i].ImprovementText = *patch.ImprovementText
		}
		if patch.Completed != nil {
			m.improvements[i].Completed = *patch.Completed
		}
		return m.improvements[i], nil
	}
	return domain.SelfImprovement{}, ErrNotFound
}

func (m *MemoryStore) DeleteSelfImprovement(_ context.Context, id string) (domain.SelfImprovement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, item := range m.improvements {
		if item.ID == id {
			m.improvements = append(m.improvements[:i], m.improvements[i+1:]...)
			return item, nil
		}
	}
	return domain.SelfImprovement{}, ErrNotFound
}
