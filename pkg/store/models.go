package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"dailylog/pkg/domain"
)

// GORM models used for persistence. All tables live in the daily_log schema.
type MessageModel struct {
	ID                string         `gorm:"primaryKey;type:uuid"`
	Text              string         `gorm:"type:text;not null"`
	Timestamp         time.Time      `gorm:"not null;index"`
	Sender            string         `gorm:"not null"`
	Suggestion        datatypes.JSON `gorm:"type:jsonb"`
	SuggestionLoading bool           `gorm:"not null;default:false"`
	Audio             string         `gorm:"type:text"`
}

func (MessageModel) TableName() string { return "daily_log.messages" }

type TaskModel struct {
	ID        string `gorm:"primaryKey;type:uuid"`
	Text      string `gorm:"type:text;not null"`
	Completed bool   `gorm:"not null;default:false"`
	User      string `gorm:"column:user;not null;index"`
	CreatedAt time.Time
}

func (TaskModel) TableName() string { return "daily_log.tasks" }

type ThemeModel struct {
	User      string         `gorm:"column:user;primaryKey"`
	Theme     datatypes.JSON `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time
}

func (ThemeModel) TableName() string { return "daily_log.themes" }

type SelfImprovementModel struct {
	ID                   string    `gorm:"primaryKey;type:uuid"`
	UserText             string    `gorm:"column:user_text;not null;index"`
	CreatedAt            time.Time `gorm:"not null;index"`
	ImprovementText      string    `gorm:"type:text;not null"`
	MotivationalSubtitle string    `gorm:"type:text"`
	Completed            bool      `gorm:"not null;default:false"`
}

func (SelfImprovementModel) TableName() string { return "daily_log.self_improvements" }

func messageToModel(m domain.Message) (MessageModel, error) {
	model := MessageModel{
		ID:                m.ID,
		Text:              m.Text,
		Timestamp:         m.Timestamp.UTC(),
		Sender:            string(m.Sender),
		SuggestionLoading: m.SuggestionLoading,
		Audio:             m.Audio,
	}
	if m.Suggestion != nil {
		raw, err := json.Marshal(m.Suggestion)
		if err != nil {
			return MessageModel{}, err
		}
		model.Suggestion = datatypes.JSON(raw)
	}
	return model, nil
}

func messageFromModel(m MessageModel) domain.Message {
	msg := domain.Message{
		ID:                m.ID,
		Text:              m.Text,
		Timestamp:         m.Timestamp.UTC(),
		Sender:            domain.User(m.Sender),
		SuggestionLoading: m.SuggestionLoading,
		Audio:             m.Audio,
	}
	if len(m.Suggestion) > 0 {
		var s domain.Suggestion
		if err := json.Unmarshal(m.Suggestion, &s); err == nil && !s.IsZero() {
			msg.Suggestion = &s
		}
	}
	return msg
}

func taskToModel(t domain.Task) TaskModel {
	return TaskModel{ID: t.ID, Text: t.Text, Completed: t.Completed, User: string(t.User)}
}

func taskFromModel(m TaskModel) domain.Task {
	return domain.Task{ID: m.ID, Text: m.Text, Completed: m.Completed, User: domain.User(m.User)}
}

func themeToModel(r domain.ThemeRecord) (ThemeModel, error) {
	raw, err := json.Marshal(r.Theme)
	if err != nil {
		return ThemeModel{}, err
	}
	return ThemeModel{User: string(r.User), Theme: datatypes.JSON(raw), UpdatedAt: time.Now().UTC()}, nil
}

func themeFromModel(m ThemeModel) domain.ThemeRecord {
	rec := domain.ThemeRecord{User: domain.User(m.User)}
	_ = json.Unmarshal(m.Theme, &rec.Theme)
	return rec
}

func improvementToModel(s domain.SelfImprovement) SelfImprovementModel {
	return SelfImprovementModel{
		ID:                   s.ID,
		UserText:             string(s.User),
		CreatedAt:            s.CreatedAt.UTC(),
		ImprovementText:      s.ImprovementText,
		MotivationalSubtitle: s.MotivationalSubtitle,
		Completed:            s.Completed,
	}
}

func improvementFromModel(m SelfImprovementModel) domain.SelfImprovement {
	return domain.SelfImprovement{
		ID:                   m.ID,
		User:                 domain.User(m.UserText),
		CreatedAt:            m.CreatedAt.UTC(),
		ImprovementText:      m.ImprovementText,
		MotivationalSubtitle: m.MotivationalSubtitle,
		Completed:            m.Completed,
	}
}
