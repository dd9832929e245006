package history

import (
	"context"
	"time"

	"github.com/goodtune/pomodoro/internal/clock"
	"github.com/goodtune/pomodoro/internal/storage"
	"github.com/rs/zerolog"
)

// RetentionScheduler prunes old history once a day
type RetentionScheduler struct {
	store         storage.HistoryStore
	retentionDays int
	pruneTime     time.Time // Time of day to prune (only hour and minute are used)
	loc           *time.Location
	clock         clock.Clock
	logger        zerolog.Logger
	stopChan      chan struct{}
}

// NewRetentionScheduler creates a new retention scheduler
func NewRetentionScheduler(store storage.HistoryStore, retentionDays int, pruneTime string, loc *time.Location, clk clock.Clock, logger zerolog.Logger) (*RetentionScheduler, error) {
	// Parse prune time (HH:MM format)
	parsedTime, err := time.Parse("15:04", pruneTime)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &RetentionScheduler{
		store:         store,
		retentionDays: retentionDays,
		pruneTime:     parsedTime,
		loc:           loc,
		clock:         clk,
		logger:        logger.With().Str("component", "retention-scheduler").Logger(),
		stopChan:      make(chan struct{}),
	}, nil
}

// Start begins the retention scheduler
func (rs *RetentionScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("prune_time", rs.pruneTime.Format("15:04")).
		Int("retention_days", rs.retentionDays).
		Msg("History retention scheduler started")
}

// Stop stops the retention scheduler
func (rs *RetentionScheduler) Stop() {
	close(rs.stopChan)
	rs.logger.Info().Msg("History retention scheduler stopped")
}

// run is the main scheduler loop
func (rs *RetentionScheduler) run() {
	for {
		nextPrune := rs.NextPrune(rs.clock.Now())
		waitDuration := nextPrune.Sub(rs.clock.Now())

		rs.logger.Debug().
			Time("next_prune", nextPrune).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next history prune")

		timer := time.NewTimer(waitDuration)
		select {
		case <-timer.C:
			if _, err := rs.Prune(context.Background()); err != nil {
				rs.logger.Error().Err(err).Msg("Failed to prune history")
			}
		case <-rs.stopChan:
			timer.Stop()
			return
		}
	}
}

// NextPrune returns the first prune time strictly after now
func (rs *RetentionScheduler) NextPrune(now time.Time) time.Time {
	local := now.In(rs.loc)

	todayPrune := time.Date(
		local.Year(), local.Month(), local.Day(),
		rs.pruneTime.Hour(), rs.pruneTime.Minute(), 0, 0,
		rs.loc,
	)

	// If we've already passed today's prune time, schedule for tomorrow
	if !local.Before(todayPrune) {
		return todayPrune.AddDate(0, 0, 1)
	}

	return todayPrune
}

// Prune deletes records older than the retention period
func (rs *RetentionScheduler) Prune(ctx context.Context) (int, error) {
	cutoff := rs.clock.Now().AddDate(0, 0, -rs.retentionDays)

	deleted, err := rs.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	rs.logger.Info().
		Int("records_deleted", deleted).
		Time("cutoff", cutoff).
		Msg("History pruned")
	return deleted, nil
}
