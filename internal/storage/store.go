package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	History() HistoryStore
}

// HistoryStore manages the pomodoro event log.
type HistoryStore interface {
	// Add stores rec, assigning an ID and timestamp when they are empty.
	Add(ctx context.Context, rec Record) (*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	// List returns matching records ordered by time, oldest first.
	List(ctx context.Context, filter HistoryFilter) ([]Record, error)
	CountSince(ctx context.Context, kind EventKind, since time.Time) (int, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// HistoryFilter defines criteria for querying history records.
type HistoryFilter struct {
	Kind      EventKind // empty matches every kind
	StartTime *time.Time
	EndTime   *time.Time // exclusive
	Limit     int
}

// Matches reports whether rec satisfies the filter, ignoring Limit.
func (f HistoryFilter) Matches(rec Record) bool {
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.StartTime != nil && rec.At.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && !rec.At.Before(*f.EndTime) {
		return false
	}
	return true
}
