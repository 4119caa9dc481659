package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// User is one of the two fixed participants of the log.
type User string

const (
	UserMeet   User = "Meet"
	UserKhushi User = "Khushi"
)

// Users lists the participants in display order.
var Users = []User{UserMeet, UserKhushi}

// ParseUser validates a user tag.
func ParseUser(raw string) (User, error) {
	switch User(strings.TrimSpace(raw)) {
	case UserMeet:
		return UserMeet, nil
	case UserKhushi:
		return UserKhushi, nil
	}
	return "", fmt.Errorf("unknown user %q", raw)
}

// Valid reports whether u is one of the fixed participants.
func (u User) Valid() bool {
	return u == UserMeet || u == UserKhushi
}

// Reflection is the structured reply of the reflection-suggestion service.
type Reflection struct {
	Mood               string `json:"mood"`
	Acknowledgement    string `json:"acknowledgement"`
	Encouragement      string `json:"encouragement"`
	ReflectionQuestion string `json:"reflection_question,omitempty"`
}

// Suggestion is either a structured Reflection or plain text. Plain text is
// used when the model reply cannot be parsed and for the error fallback.
type Suggestion struct {
	Reflection *Reflection
	Text       string
}

// TextSuggestion wraps a plain-text suggestion.
func TextSuggestion(text string) Suggestion {
	return Suggestion{Text: text}
}

// IsZero reports whether the suggestion carries no content.
func (s Suggestion) IsZero() bool {
	return s.Reflection == nil && strings.TrimSpace(s.Text) == ""
}

func (s Suggestion) MarshalJSON() ([]byte, error) {
	if s.Reflection != nil {
		return json.Marshal(s.Reflection)
	}
	return json.Marshal(s.Text)
}

func (s *Suggestion) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = Suggestion{}
		return nil
	}
	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*s = Suggestion{Text: text}
		return nil
	}
	var r Reflection
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*s = Suggestion{Reflection: &r}
	return nil
}

// Message is a sent log entry.
type Message struct {
	ID                string      `json:"id"`
	Text              string      `json:"text"`
	Timestamp         time.Time   `json:"timestamp"`
	Sender            User        `json:"sender"`
	Suggestion        *Suggestion `json:"suggestion,omitempty"`
	SuggestionLoading bool        `json:"suggestionLoading"`
	Audio             string      `json:"audio,omitempty"`
}

// QueuedMessage is a draft fragment waiting in the local queue.
type QueuedMessage struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is an item of a user's task list.
type Task struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
	User      User   `json:"user"`
}

// TaskPatch holds the mutable task fields; nil means unchanged.
type TaskPatch struct {
	Text      *string `json:"text,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
}

// SelfImprovement is a user-owned goal.
type SelfImprovement struct {
	ID                   string    `json:"id"`
	User                 User      `json:"user_text"`
	CreatedAt            time.Time `json:"created_at"`
	ImprovementText      string    `json:"improvement_text"`
	MotivationalSubtitle string    `json:"motivational_subtitle"`
	Completed            bool      `json:"completed"`
}

// SelfImprovementPatch holds the mutable goal fields; nil means unchanged.
type SelfImprovementPatch struct {
	ImprovementText *string `json:"improvement_text,omitempty"`
	Completed       *bool   `json:"completed,omitempty"`
}

// ImprovementCandidate is a goal extracted from a message, awaiting confirmation.
type ImprovementCandidate struct {
	ImprovementText      string `json:"improvement_text"`
	MotivationalSubtitle string `json:"motivational_subtitle"`
}

// ThemeSettings is the per-user theme payload.
type ThemeSettings struct {
	ThemeColor ThemeColor `json:"themeColor"`
}

// ThemeRecord is the single theme row of a user.
type ThemeRecord struct {
	User  User          `json:"user"`
	Theme ThemeSettings `json:"theme"`
}
