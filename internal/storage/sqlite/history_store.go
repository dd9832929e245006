package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/pomodoro/internal/storage"
)

type historyStore struct {
	db *sql.DB
}

const selectHistory = `SELECT id, kind, at_ns, source, duration_minutes, secs_remaining FROM history`

func (s *historyStore) Add(ctx context.Context, rec storage.Record) (*storage.Record, error) {
	rec = storage.Prepare(rec)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (id, kind, at_ns, source, duration_minutes, secs_remaining) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Kind), rec.At.UnixNano(), string(rec.Source), rec.DurationMinutes, rec.SecsRemaining)
	if err != nil {
		return nil, fmt.Errorf("insert history record: %w", err)
	}
	return &rec, nil
}

func (s *historyStore) Get(ctx context.Context, id string) (*storage.Record, error) {
	row := s.db.QueryRowContext(ctx, selectHistory+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *historyStore) List(ctx context.Context, filter storage.HistoryFilter) ([]storage.Record, error) {
	where, args := filterClause(filter)
	query := selectHistory + where + ` ORDER BY at_ns, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]storage.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (s *historyStore) CountSince(ctx context.Context, kind storage.EventKind, since time.Time) (int, error) {
	where, args := filterClause(storage.HistoryFilter{Kind: kind, StartTime: &since})

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return count, nil
}

func (s *historyStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE at_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete history: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}

func filterClause(filter storage.HistoryFilter) (string, []any) {
	var conds []string
	var args []any

	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.StartTime != nil {
		conds = append(conds, "at_ns >= ?")
		args = append(args, filter.StartTime.UnixNano())
	}
	if filter.EndTime != nil {
		conds = append(conds, "at_ns < ?")
		args = append(args, filter.EndTime.UnixNano())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*storage.Record, error) {
	var (
		rec    storage.Record
		kind   string
		source string
		atNS   int64
	)
	if err := row.Scan(&rec.ID, &kind, &atNS, &source, &rec.DurationMinutes, &rec.SecsRemaining); err != nil {
		return nil, err
	}
	rec.Kind = storage.EventKind(kind)
	rec.Source = storage.Source(source)
	rec.At = time.Unix(0, atNS).UTC()
	return &rec, nil
}
