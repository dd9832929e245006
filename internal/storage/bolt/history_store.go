package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/pomodoro/internal/storage"
	"go.etcd.io/bbolt"
)

type historyStore struct {
	db *bbolt.DB
}

func (s *historyStore) Add(ctx context.Context, rec storage.Record) (*storage.Record, error) {
	rec = storage.Prepare(rec)
	data, err := marshal(rec)
	if err != nil {
		return nil, err
	}
	key := recordKey(rec.At, rec.ID)

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bucket := tx.Bucket([]byte(bucketHistory))
		ids := tx.Bucket([]byte(bucketHistoryIDs))
		if bucket == nil || ids == nil {
			return fmt.Errorf("history bucket missing")
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return err
		}
		return ids.Put([]byte(rec.ID), []byte(key))
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *historyStore) Get(ctx context.Context, id string) (*storage.Record, error) {
	var key string
	err := s.db.View(func(tx *bbolt.Tx) error {
		ids := tx.Bucket([]byte(bucketHistoryIDs))
		if ids == nil {
			return storage.ErrNotFound
		}
		value := ids.Get([]byte(id))
		if value == nil {
			return storage.ErrNotFound
		}
		key = string(value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return getBucketValue[storage.Record](ctx, s.db, bucketHistory, key)
}

func (s *historyStore) List(ctx context.Context, filter storage.HistoryFilter) ([]storage.Record, error) {
	from, to := filterBounds(filter)
	records := make([]storage.Record, 0)

	err := s.db.View(func(tx *bbolt.Tx) error {
		return scanRange(ctx, tx, bucketHistory, from, to, func(_, v []byte) (bool, error) {
			var rec storage.Record
			if err := unmarshal(v, &rec); err != nil {
				return false, err
			}
			if !filter.Matches(rec) {
				return true, nil
			}
			records = append(records, rec)
			return filter.Limit <= 0 || len(records) < filter.Limit, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *historyStore) CountSince(ctx context.Context, kind storage.EventKind, since time.Time) (int, error) {
	records, err := s.List(ctx, storage.HistoryFilter{Kind: kind, StartTime: &since})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (s *historyStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketHistory))
		ids := tx.Bucket([]byte(bucketHistoryIDs))
		if bucket == nil || ids == nil {
			return nil
		}

		// Collect first; deleting under a live cursor skips entries.
		var keys, recordIDs [][]byte
		err := scanRange(ctx, tx, bucketHistory, "", timeKey(cutoff), func(k, v []byte) (bool, error) {
			var rec storage.Record
			if err := unmarshal(v, &rec); err != nil {
				return false, err
			}
			keys = append(keys, append([]byte(nil), k...))
			recordIDs = append(recordIDs, []byte(rec.ID))
			return true, nil
		})
		if err != nil {
			return err
		}

		for i := range keys {
			if err := bucket.Delete(keys[i]); err != nil {
				return err
			}
			if err := ids.Delete(recordIDs[i]); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func filterBounds(filter storage.HistoryFilter) (from, to string) {
	if filter.StartTime != nil {
		from = timeKey(*filter.StartTime)
	}
	if filter.EndTime != nil {
		to = timeKey(*filter.EndTime)
	}
	return from, to
}
