// Package history keeps a log of started, paused and completed pomodoros and
// prunes it on a daily schedule.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/pomodoro/internal/clock"
	"github.com/goodtune/pomodoro/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// Recorder writes pomodoro events to a HistoryStore. A Recorder with a nil
// store records nothing and reports zero completions.
type Recorder struct {
	store  storage.HistoryStore
	loc    *time.Location
	clock  clock.Clock
	logger zerolog.Logger

	// completed counts per local day; only today and yesterday are ever hot
	mu        sync.Mutex
	completed *lru.Cache[string, int]
}

const dayCacheSize = 2

// NewRecorder creates a recorder. Days are counted in loc.
func NewRecorder(store storage.HistoryStore, loc *time.Location, clk clock.Clock, logger zerolog.Logger) *Recorder {
	if loc == nil {
		loc = time.UTC
	}
	if clk == nil {
		clk = clock.Real{}
	}
	completed, _ := lru.New[string, int](dayCacheSize)
	return &Recorder{
		store:     store,
		loc:       loc,
		clock:     clk,
		logger:    logger.With().Str("component", "history").Logger(),
		completed: completed,
	}
}

// Started records a countdown started by the broker.
func (r *Recorder) Started(ctx context.Context, at time.Time, minutes int) error {
	return r.add(ctx, storage.Record{
		Kind:            storage.EventStarted,
		At:              at,
		Source:          storage.SourceBroker,
		DurationMinutes: minutes,
	})
}

// Paused records a pause. secsRemaining is ignored when unknown (negative).
func (r *Recorder) Paused(ctx context.Context, at time.Time, source storage.Source, secsRemaining int) error {
	if secsRemaining < 0 {
		secsRemaining = 0
	}
	return r.add(ctx, storage.Record{
		Kind:          storage.EventPaused,
		At:            at,
		Source:        source,
		SecsRemaining: secsRemaining,
	})
}

// Completed records a countdown that ran to zero.
func (r *Recorder) Completed(ctx context.Context, at time.Time, minutes int) error {
	if err := r.add(ctx, storage.Record{
		Kind:            storage.EventCompleted,
		At:              at,
		Source:          storage.SourceTimer,
		DurationMinutes: minutes,
	}); err != nil {
		return err
	}

	r.mu.Lock()
	day := dayKey(at, r.loc)
	if count, ok := r.completed.Get(day); ok {
		r.completed.Add(day, count+1)
	}
	r.mu.Unlock()
	return nil
}

// CompletedToday returns the number of pomodoros completed since local midnight.
func (r *Recorder) CompletedToday(ctx context.Context) int {
	if r.store == nil {
		return 0
	}

	now := r.clock.Now()
	day := dayKey(now, r.loc)

	r.mu.Lock()
	defer r.mu.Unlock()

	if count, ok := r.completed.Get(day); ok {
		return count
	}

	count, err := r.store.CountSince(ctx, storage.EventCompleted, startOfDay(now, r.loc))
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to count completed pomodoros")
		return 0
	}
	r.completed.Add(day, count)
	return count
}

func (r *Recorder) add(ctx context.Context, rec storage.Record) error {
	if r.store == nil {
		return nil
	}

	stored, err := r.store.Add(ctx, rec)
	if err != nil {
		r.logger.Error().Err(err).Str("kind", string(rec.Kind)).Msg("Failed to record history")
		return err
	}

	r.logger.Debug().
		Str("id", stored.ID).
		Str("kind", string(stored.Kind)).
		Str("source", string(stored.Source)).
		Msg("Recorded history")
	return nil
}

func dayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
