// Package feed carries row-level change notifications from the backend
// store to subscribed sessions.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Schema is the database schema all tables live in.
const Schema = "daily_log"

// Table names a change stream.
type Table string

const (
	TableMessages         Table = "messages"
	TableTasks            Table = "tasks"
	TableThemes           Table = "themes"
	TableSelfImprovements Table = "self_improvements"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Event is one committed row change. New is absent for deletes, Old is
// absent for inserts.
type Event struct {
	Schema          string          `json:"schema"`
	Table           Table           `json:"table"`
	Type            Op              `json:"eventType"`
	New             json.RawMessage `json:"new,omitempty"`
	Old             json.RawMessage `json:"old,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// NewEvent encodes the row images of a change.
func NewEvent(table Table, op Op, newRow, oldRow any) (Event, error) {
	ev := Event{
		Schema:          Schema,
		Table:           table,
		Type:            op,
		CommitTimestamp: time.Now().UTC(),
	}
	if newRow != nil {
		raw, err := json.Marshal(newRow)
		if err != nil {
			return Event{}, fmt.Errorf("encode new row: %w", err)
		}
		ev.New = raw
	}
	if oldRow != nil {
		raw, err := json.Marshal(oldRow)
		if err != nil {
			return Event{}, fmt.Errorf("encode old row: %w", err)
		}
		ev.Old = raw
	}
	return ev, nil
}

// DecodeNew unmarshals the new row image into out.
func (e Event) DecodeNew(out any) error {
	if len(e.New) == 0 {
		return fmt.Errorf("%s %s event has no new row", e.Table, e.Type)
	}
	return json.Unmarshal(e.New, out)
}

// DecodeOld unmarshals the old row image into out.
func (e Event) DecodeOld(out any) error {
	if len(e.Old) == 0 {
		return fmt.Errorf("%s %s event has no old row", e.Table, e.Type)
	}
	return json.Unmarshal(e.Old, out)
}

// Publisher emits committed changes.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscription delivers events in publish order until closed. Events
// published before Subscribe returned are not delivered.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Subscriber opens subscriptions covering every table of the schema.
type Subscriber interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Feed is both ends of a change stream.
type Feed interface {
	Publisher
	Subscriber
	Close() error
}
