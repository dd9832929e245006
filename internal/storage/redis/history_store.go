package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/pomodoro/internal/storage"
	"github.com/redis/go-redis/v9"
)

type historyStore struct {
	client *redis.Client
	prefix string
}

func (s *historyStore) recordKey(id string) string {
	return fmt.Sprintf("%s:history:%s", s.prefix, id)
}

func (s *historyStore) timelineKey() string {
	return fmt.Sprintf("%s:history:timeline", s.prefix)
}

// Add stores a record and indexes it on the timeline
func (s *historyStore) Add(ctx context.Context, rec storage.Record) (*storage.Record, error) {
	rec = storage.Prepare(rec)
	script := redis.NewScript(addRecordScript)

	keys := []string{s.recordKey(rec.ID), s.timelineKey()}
	args := []interface{}{
		rec.ID,
		score(rec.At),
		string(rec.Kind),
		rec.At.Format(time.RFC3339Nano),
		string(rec.Source),
		rec.DurationMinutes,
		rec.SecsRemaining,
	}

	if err := script.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return nil, fmt.Errorf("failed to add history record: %w", err)
	}
	return &rec, nil
}

// Get retrieves a record by ID
func (s *historyStore) Get(ctx context.Context, id string) (*storage.Record, error) {
	data, err := s.client.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseRecord(data)
}

// List returns records in time order
func (s *historyStore) List(ctx context.Context, filter storage.HistoryFilter) ([]storage.Record, error) {
	rangeBy := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if filter.StartTime != nil {
		rangeBy.Min = strconv.FormatInt(filter.StartTime.UnixMilli(), 10)
	}
	if filter.EndTime != nil {
		rangeBy.Max = "(" + strconv.FormatInt(filter.EndTime.UnixMilli(), 10)
	}

	ids, err := s.client.ZRangeByScore(ctx, s.timelineKey(), rangeBy).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []storage.Record{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	records := make([]storage.Record, 0, len(ids))
	for _, cmd := range cmds {
		rec, err := parseRecord(cmd.Val())
		if errors.Is(err, storage.ErrNotFound) {
			// Expired between the range and the fetch
			continue
		}
		if err != nil {
			return nil, err
		}
		if !filter.Matches(*rec) {
			continue
		}
		records = append(records, *rec)
		if filter.Limit > 0 && len(records) >= filter.Limit {
			break
		}
	}
	return records, nil
}

// CountSince counts records of kind at or after since
func (s *historyStore) CountSince(ctx context.Context, kind storage.EventKind, since time.Time) (int, error) {
	records, err := s.List(ctx, storage.HistoryFilter{Kind: kind, StartTime: &since})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// DeleteBefore removes records older than cutoff
func (s *historyStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	script := redis.NewScript(deleteBeforeScript)

	keys := []string{s.timelineKey()}
	args := []interface{}{
		fmt.Sprintf("%s:history:", s.prefix),
		strconv.FormatInt(cutoff.UnixMilli(), 10),
	}

	deleted, err := script.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to delete history records: %w", err)
	}
	return deleted, nil
}
