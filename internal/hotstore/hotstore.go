// Package hotstore provides the bounded hot store for recent samples,
// indexed by (point_id, timestamp).
//
// The hot store is mutated only by the ingestion sync worker (upserts) and
// the archival worker (boundary deletes); those ranges never overlap
// because the archival boundary lags ingestion's active window by the full
// retention period.
package hotstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/buildingvitals/vitals/internal/db"
	"github.com/buildingvitals/vitals/internal/model"
)

// maxSamplesPerInsert bounds parameters per multi-row INSERT.
// 5 columns * 200 rows = 1000 parameters per statement.
const maxSamplesPerInsert = 200

// Store provides hot sample operations. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// New creates the store and its schema.
func New(db *sql.DB) (*Store, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS samples (
			point_id BIGINT NOT NULL,
			ts_ms    BIGINT NOT NULL,
			value    DOUBLE NOT NULL,
			quality  SMALLINT NOT NULL DEFAULT 0,
			flags    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (point_id, ts_ms)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("create samples schema: %w", err)
	}
	return &Store{db: db}, nil
}

// UpsertBatch writes samples idempotently. A sample with an existing
// (point_id, ts_ms) key replaces the stored value, absorbing duplicate or
// retried delivery. Large batches are split into bounded multi-row
// statements inside one transaction.
func (s *Store) UpsertBatch(ctx context.Context, samples []model.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	if len(samples) <= maxSamplesPerInsert {
		query, args := buildUpsert(samples)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert samples: %w", err)
		}
		return nil
	}

	return db.Transaction(ctx, s.db, func(tx *sql.Tx) error {
		for i := 0; i < len(samples); i += maxSamplesPerInsert {
			end := i + maxSamplesPerInsert
			if end > len(samples) {
				end = len(samples)
			}
			query, args := buildUpsert(samples[i:end])
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("upsert samples: %w", err)
			}
		}
		return nil
	})
}

// buildUpsert builds a multi-row idempotent INSERT statement.
func buildUpsert(samples []model.Sample) (string, []interface{}) {
	const columnsPerRow = 5

	args := make([]interface{}, 0, len(samples)*columnsPerRow)

	var query strings.Builder
	query.Grow(250 + len(samples)*14)
	query.WriteString(`INSERT INTO samples (point_id, ts_ms, value, quality, flags) VALUES `)

	for i, sample := range samples {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString("(?,?,?,?,?)")
		args = append(args,
			sample.PointID,
			sample.TimestampMs,
			sample.Value,
			int16(sample.Quality),
			int32(sample.Flags),
		)
	}

	query.WriteString(` ON CONFLICT (point_id, ts_ms) DO UPDATE SET
		value = excluded.value,
		quality = excluded.quality,
		flags = excluded.flags`)

	return query.String(), args
}

// Query returns samples for the given points within [startMs, endMs],
// ordered by (point_id, ts_ms).
func (s *Store) Query(ctx context.Context, pointIDs []int64, startMs, endMs int64, limit int) ([]model.Sample, error) {
	if len(pointIDs) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT point_id, ts_ms, value, quality, flags
		FROM samples
		WHERE point_id IN (%s) AND ts_ms >= ? AND ts_ms <= ?
		ORDER BY point_id, ts_ms
	`, placeholders(len(pointIDs)))

	args := make([]interface{}, 0, len(pointIDs)+2)
	for _, id := range pointIDs {
		args = append(args, id)
	}
	args = append(args, startMs, endMs)

	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	return scanSamples(rows)
}

// ExtractBatch reads rows with ts_ms < beforeMs in (ts_ms, point_id) order,
// starting at offset. The stable ordering lets the archival worker
// checkpoint an offset after each batch and resume exactly there.
func (s *Store) ExtractBatch(ctx context.Context, beforeMs int64, offset, limit int) ([]model.Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT point_id, ts_ms, value, quality, flags
		FROM samples
		WHERE ts_ms < ?
		ORDER BY ts_ms, point_id
		LIMIT ? OFFSET ?
	`, beforeMs, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("extract samples: %w", err)
	}
	defer rows.Close()

	return scanSamples(rows)
}

// ExtractRange reads rows with startMs <= ts_ms < endMs in (ts_ms,
// point_id) order, starting at offset. Used for day-scoped archival
// extraction; the stable ordering makes batch offsets reproducible.
func (s *Store) ExtractRange(ctx context.Context, startMs, endMs int64, offset, limit int) ([]model.Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT point_id, ts_ms, value, quality, flags
		FROM samples
		WHERE ts_ms >= ? AND ts_ms < ?
		ORDER BY ts_ms, point_id
		LIMIT ? OFFSET ?
	`, startMs, endMs, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("extract samples: %w", err)
	}
	defer rows.Close()

	return scanSamples(rows)
}

// DeleteRange deletes rows with startMs <= ts_ms < endMs and returns the
// count. Re-deleting an already-empty range is a no-op.
func (s *Store) DeleteRange(ctx context.Context, startMs, endMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM samples WHERE ts_ms >= ? AND ts_ms < ?
	`, startMs, endMs)
	if err != nil {
		return 0, fmt.Errorf("delete samples: %w", err)
	}
	return res.RowsAffected()
}

// CountBefore returns the number of rows older than beforeMs.
func (s *Store) CountBefore(ctx context.Context, beforeMs int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM samples WHERE ts_ms < ?
	`, beforeMs).Scan(&count)
	return count, err
}

// CountRange returns the number of rows for the given points in
// [startMs, endMs]. Used to enforce the federation row cap up front.
func (s *Store) CountRange(ctx context.Context, pointIDs []int64, startMs, endMs int64) (int64, error) {
	if len(pointIDs) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM samples
		WHERE point_id IN (%s) AND ts_ms >= ? AND ts_ms <= ?
	`, placeholders(len(pointIDs)))

	args := make([]interface{}, 0, len(pointIDs)+2)
	for _, id := range pointIDs {
		args = append(args, id)
	}
	args = append(args, startMs, endMs)

	var count int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// TimeBounds returns the oldest and newest timestamps stored, 0,0 if empty.
func (s *Store) TimeBounds(ctx context.Context) (oldestMs, newestMs int64, err error) {
	var oldest, newest sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(ts_ms), MAX(ts_ms) FROM samples
	`).Scan(&oldest, &newest)
	if err != nil {
		return 0, 0, err
	}
	if oldest.Valid {
		oldestMs = oldest.Int64
	}
	if newest.Valid {
		newestMs = newest.Int64
	}
	return oldestMs, newestMs, nil
}

// scanSamples scans rows into a Sample slice.
func scanSamples(rows *sql.Rows) ([]model.Sample, error) {
	var samples []model.Sample
	for rows.Next() {
		var s model.Sample
		var quality int16
		var flags int32
		if err := rows.Scan(&s.PointID, &s.TimestampMs, &s.Value, &quality, &flags); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		s.Quality = model.Quality(quality)
		s.Flags = uint16(flags)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// placeholders returns n comma-separated SQL placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
