package store

import (
	"context"
	"errors"

	"dailylog/pkg/domain"
)

// ErrNotFound is returned when an update or delete targets a missing row.
var ErrNotFound = errors.New("record not found")

// Store defines persistence operations for the four daily-log tables.
type Store interface {
	// messages
	ListMessages(ctx context.Context) ([]domain.Message, error)
	CreateMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	UpdateMessageSuggestion(ctx context.Context, id string, suggestion domain.Suggestion, loading bool) (domain.Message, error)

	// tasks
	ListTasks(ctx context.Context) ([]domain.Task, error)
	CreateTask(ctx context.Context, task domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) (domain.Task, error)

	// themes
	ListThemes(ctx context.Context) ([]domain.ThemeRecord, error)
	UpsertTheme(ctx context.Context, rec domain.ThemeRecord) (domain.ThemeRecord, bool, error)

	// self improvements
	ListSelfImprovements(ctx context.Context) ([]domain.SelfImprovement, error)
	CreateSelfImprovement(ctx context.Context, item domain.SelfImprovement) (domain.SelfImprovement, error)
	UpdateSelfImprovement(ctx context.Context, id string, patch domain.SelfImprovementPatch) (domain.SelfImprovement, error)
	DeleteSelfImprovement(ctx context.Context, id string) (domain.SelfImprovement, error)
}
