package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"dailylog/pkg/domain"
)

const migrateLockID int64 = 20240512

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB, creates the daily_log schema and runs
// auto-migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database url required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE SCHEMA IF NOT EXISTS daily_log").Error; err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if err := tx.AutoMigrate(&MessageModel{}, &TaskModel{}, &ThemeModel{}, &SelfImprovementModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ListMessages returns all messages ordered by timestamp ascending.
func (s *GormStore) ListMessages(ctx context.Context) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).Order("timestamp ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Message, 0, len(models))
	for _, m := range models {
		res = append(res, messageFromModel(m))
	}
	return res, nil
}

// CreateMessage inserts a message, assigning an id and timestamp when absent.
func (s *GormStore) CreateMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	msg = prepareMessage(msg)
	model, err := messageToModel(msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("encode message: %w", err)
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Message{}, err
	}
	return messageFromModel(model), nil
}

// UpdateMessageSuggestion sets the enrichment result of a message.
func (s *GormStore) UpdateMessageSuggestion(ctx context.Context, id string, suggestion domain.Suggestion, loading bool) (domain.Message, error) {
	var out MessageModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		msg := messageFromModel(out)
		msg.Suggestion = &suggestion
		msg.SuggestionLoading = loading
		model, err := messageToModel(msg)
		if err != nil {
			return err
		}
		if err := tx.Model(&MessageModel{}).Where("id = ?", id).Updates(map[string]any{
			"suggestion":         model.Suggestion,
			"suggestion_loading": loading,
		}).Error; err != nil {
			return err
		}
		out = model
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return messageFromModel(out), nil
}

// ListTasks returns every task of both users in creation order.
func (s *GormStore) ListTasks(ctx context.Context) ([]domain.Task, error) {
	var models []TaskModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Task, 0, len(models))
	for _, m := range models {
		res = append(res, taskFromModel(m))
	}
	return res, nil
}

// CreateTask inserts a task.
func (s *GormStore) CreateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	model := taskToModel(task)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Task{}, err
	}
	return taskFromModel(model), nil
}

// UpdateTask applies patch to a task and returns the new row.
func (s *GormStore) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	var model TaskModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		updates := map[string]any{}
		if patch.Text != nil {
			model.Text = *patch.Text
			updates["text"] = model.Text
		}
		if patch.Completed != nil {
			model.Completed = *patch.Completed
			updates["completed"] = model.Completed
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&TaskModel{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		return domain.Task{}, err
	}
	return taskFromModel(model), nil
}

// DeleteTask removes a task and returns the deleted row.
func (s *GormStore) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	var model TaskModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		return tx.Delete(&TaskModel{}, "id = ?", id).Error
	})
	if err != nil {
		return domain.Task{}, err
	}
	return taskFromModel(model), nil
}

// ListThemes returns the stored theme rows.
func (s *GormStore) ListThemes(ctx context.Context) ([]domain.ThemeRecord, error) {
	var models []ThemeModel
	if err := s.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ThemeRecord, 0, len(models))
	for _, m := range models {
		res = append(res, themeFromModel(m))
	}
	return res, nil
}

// UpsertTheme writes the user's theme row, keyed by user. The bool reports
// whether the row was newly created.
func (s *GormStore) UpsertTheme(ctx context.Context, rec domain.ThemeRecord) (domain.ThemeRecord, bool, error) {
	model, err := themeToModel(rec)
	if err != nil {
		return domain.ThemeRecord{}, false, fmt.Errorf("encode theme: %w", err)
	}
	created := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&ThemeModel{}).Where(`"user" = ?`, model.User).Count(&count).Error; err != nil {
			return err
		}
		created = count == 0
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user"}},
			DoUpdates: clause.AssignmentColumns([]string{"theme", "updated_at"}),
		}).Create(&model).Error
	})
	if err != nil {
		return domain.ThemeRecord{}, false, err
	}
	return themeFromModel(model), created, nil
}

// ListSelfImprovements returns goals ordered by created_at descending.
func (s *GormStore) ListSelfImprovements(ctx context.Context) ([]domain.SelfImprovement, error) {
	var models []SelfImprovementModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.SelfImprovement, 0, len(models))
	for _, m := range models {
		res = append(res, improvementFromModel(m))
	}
	return res, nil
}

// CreateSelfImprovement inserts a goal.
func (s *GormStore) CreateSelfImprovement(ctx context.Context, item domain.SelfImprovement) (domain.SelfImprovement, error) {
	item = prepareImprovement(item)
	model := improvementToModel(item)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.SelfImprovement{}, err
	}
	return improvementFromModel(model), nil
}

// UpdateSelfImprovement applies patch to a goal and returns the new row.
func (s *GormStore) UpdateSelfImprovement(ctx context.Context, id string, patch domain.SelfImprovementPatch) (domain.SelfImprovement, error) {
	var model SelfImprovementModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		updates := map[string]any{}
		if patch.ImprovementText != nil {
			model.ImprovementText = *patch.ImprovementText
			updates["improvement_text"] = model.ImprovementText
		}
		if patch.Completed != nil {
			model.Completed = *patch.Completed
			updates["completed"] = model.Completed
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&SelfImprovementModel{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		return domain.SelfImprovement{}, err
	}
	return improvementFromModel(model), nil
}

// DeleteSelfImprovement removes a goal and returns the deleted row.
func (s *GormStore) DeleteSelfImprovement(ctx context.Context, id string) (domain.SelfImprovement, error) {
	var model SelfImprovementModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		return tx.Delete(&SelfImprovementModel{}, "id = ?", id).Error
	})
	if err != nil {
		return domain.SelfImprovement{}, err
	}
	return improvementFromModel(model), nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func prepareMessage(msg domain.Message) domain.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg
}

func prepareImprovement(item domain.SelfImprovement) domain.SelfImprovement {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	return item
}
