package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/pomodoro/internal/storage"
)

// score orders records on the timeline. Millisecond precision fits a float64 exactly.
func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// parseRecord converts a Redis hash to Record
func parseRecord(data map[string]string) (*storage.Record, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	at, err := time.Parse(time.RFC3339Nano, data["at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse at: %w", err)
	}

	kind, err := storage.ParseEventKind(data["kind"])
	if err != nil {
		return nil, err
	}

	duration, err := strconv.Atoi(data["duration_minutes"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse duration_minutes: %w", err)
	}

	remaining, err := strconv.Atoi(data["secs_remaining"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse secs_remaining: %w", err)
	}

	return &storage.Record{
		ID:              data["id"],
		Kind:            kind,
		At:              at,
		Source:          storage.Source(data["source"]),
		DurationMinutes: duration,
		SecsRemaining:   remaining,
	}, nil
}
