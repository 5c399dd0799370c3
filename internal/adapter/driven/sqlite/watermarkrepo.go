package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/issuewatch/internal/domain/model"
	"github.com/ericfisherdev/issuewatch/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.WatermarkStore = (*WatermarkRepo)(nil)

// WatermarkRepo is the SQLite implementation of the WatermarkStore port.
// Timestamps are stored as Unix nanoseconds so ordering comparisons happen in
// SQL without parsing.
type WatermarkRepo struct {
	db *DB
}

// NewWatermarkRepo creates a new WatermarkRepo backed by the given DB.
func NewWatermarkRepo(db *DB) *WatermarkRepo {
	return &WatermarkRepo{db: db}
}

// Get returns the watermark for key, or nil, nil if none is stored.
func (r *WatermarkRepo) Get(ctx context.Context, key string) (*model.Watermark, error) {
	const query = `SELECT target_key, last_seen_ns, last_seen_id, updated_at FROM watermarks WHERE target_key = ?`

	wm, err := scanWatermark(r.db.Reader.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watermark %s: %w", key, err)
	}

	return wm, nil
}

// Set upserts wm in a single statement. The conflict clause only applies the
// update when wm is at or ahead of the stored row, so a write can never move a
// watermark backwards; a rejected write returns ErrWatermarkRegression. A row
// whose position is not numeric is corrupt and may always be overwritten.
func (r *WatermarkRepo) Set(ctx context.Context, wm model.Watermark) error {
	const query = `
		INSERT INTO watermarks (target_key, last_seen_ns, last_seen_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(target_key) DO UPDATE SET
			last_seen_ns = excluded.last_seen_ns,
			last_seen_id = excluded.last_seen_id,
			updated_at   = excluded.updated_at
		WHERE typeof(watermarks.last_seen_ns) != 'integer'
		   OR typeof(watermarks.last_seen_id) != 'integer'
		   OR excluded.last_seen_ns > watermarks.last_seen_ns
		   OR (excluded.last_seen_ns = watermarks.last_seen_ns AND excluded.last_seen_id >= watermarks.last_seen_id)`

	if wm.TargetKey == "" {
		return fmt.Errorf("set watermark: empty target key: %w", driven.ErrStateStore)
	}

	updatedAt := wm.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	result, err := r.db.Writer.ExecContext(ctx, query,
		wm.TargetKey,
		wm.LastSeenAt.UnixNano(),
		wm.LastSeenID,
		updatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set watermark %s: %w: %w", wm.TargetKey, driven.ErrStateStore, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w: %w", driven.ErrStateStore, err)
	}

	if rows == 0 {
		return fmt.Errorf("set watermark %s: %w", wm.TargetKey, driven.ErrWatermarkRegression)
	}

	return nil
}

// ListAll returns every decodable watermark ordered by key. Corrupt rows are
// logged and skipped.
func (r *WatermarkRepo) ListAll(ctx context.Context) ([]model.Watermark, error) {
	const query = `SELECT target_key, last_seen_ns, last_seen_id, updated_at FROM watermarks ORDER BY target_key`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w: %w", driven.ErrStateStore, err)
	}
	defer rows.Close()

	var marks []model.Watermark
	for rows.Next() {
		wm, err := scanWatermark(rows)
		if err != nil {
			slog.Warn("skipping unreadable watermark row", "error", err)
			continue
		}
		marks = append(marks, *wm)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watermarks: %w: %w", driven.ErrStateStore, err)
	}

	return marks, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanWatermark decodes one row. sql.ErrNoRows passes through untouched;
// any decode problem is reported as ErrCorruptWatermark.
func scanWatermark(s scanner) (*model.Watermark, error) {
	var (
		key       string
		lastNanos int64
		lastID    int64
		updatedAt string
	)

	if err := s.Scan(&key, &lastNanos, &lastID, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", driven.ErrCorruptWatermark, err)
	}

	if lastNanos < 0 || lastID < 0 {
		return nil, fmt.Errorf("%w: negative position for %s", driven.ErrCorruptWatermark, key)
	}

	updated, err := parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: parse updated_at: %w", driven.ErrCorruptWatermark, err)
	}

	return &model.Watermark{
		TargetKey:  key,
		LastSeenAt: time.Unix(0, lastNanos).UTC(),
		LastSeenID: lastID,
		UpdatedAt:  updated,
	}, nil
}

// parseTime tries the datetime layouts SQLite and this package produce.
func parseTime(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.000",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}
