// Package statestore provides the durable state store: small JSON-valued
// records with per-key versions and optional TTL.
//
// Workers coordinate exclusively through these records (cursors,
// checkpoints, job status, ledger entries). Conditional writes carry the
// optimistic-concurrency guarantee that makes overlapping worker
// invocations safe without in-process locks.
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	verrors "github.com/buildingvitals/vitals/internal/errors"
)

// Record is a single durable state entry.
type Record struct {
	Key       string
	Value     json.RawMessage
	Version   int64
	UpdatedAt time.Time
}

// Store provides durable state operations. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// New creates the store and its schema.
func New(db *sql.DB) (*Store, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS state (
			key        VARCHAR PRIMARY KEY,
			value      VARCHAR NOT NULL,
			version    BIGINT NOT NULL,
			expires_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("create state schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Get retrieves a record by key. Returns nil if the key is absent or expired.
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	var value string
	var expiresAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT key, value, version, expires_at, updated_at
		FROM state WHERE key = ?
	`, key).Scan(&rec.Key, &value, &rec.Version, &expiresAt, &rec.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}

	if expiresAt.Valid && expiresAt.Time.Before(time.Now()) {
		return nil, nil
	}

	rec.Value = json.RawMessage(value)
	return &rec, nil
}

// GetJSON retrieves a record and unmarshals it into v.
// Returns the record version, or 0 if the key is absent.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (int64, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, nil
	}
	if err := json.Unmarshal(rec.Value, v); err != nil {
		return 0, fmt.Errorf("unmarshal state %s: %w", key, err)
	}
	return rec.Version, nil
}

// Put writes a record conditionally on its previous version.
//
// prevVersion 0 asserts the key does not exist yet; any other value asserts
// the stored version matches. On mismatch Put returns
// ErrConcurrentModification and the record is unchanged.
func (s *Store) Put(ctx context.Context, key string, v any, prevVersion int64, ttl time.Duration) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", key, err)
	}

	now := time.Now()
	expiresAt := expiry(now, ttl)

	if prevVersion == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO state (key, value, version, expires_at, updated_at)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT DO NOTHING
		`, key, string(value), expiresAt, now)
		if err != nil {
			return fmt.Errorf("insert state %s: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("insert state %s: %w", key, verrors.ErrConcurrentModification)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE state
		SET value = ?, version = version + 1, expires_at = ?, updated_at = ?
		WHERE key = ? AND version = ?
	`, string(value), expiresAt, now, key, prevVersion)
	if err != nil {
		return fmt.Errorf("update state %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update state %s: %w", key, verrors.ErrConcurrentModification)
	}
	return nil
}

// PutAny writes a record unconditionally, creating it if needed.
func (s *Store) PutAny(ctx context.Context, key string, v any, ttl time.Duration) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", key, err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO state (key, value, version, expires_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			version = state.version + 1,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, key, string(value), expiry(now, ttl), now)
	if err != nil {
		return fmt.Errorf("upsert state %s: %w", key, err)
	}
	return nil
}

// Delete removes a record. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM state WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

// List returns all live records whose key starts with prefix, key-ordered.
func (s *Store) List(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, version, expires_at, updated_at
		FROM state
		WHERE key >= ? AND key < ?
		ORDER BY key
	`, prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, fmt.Errorf("list state: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var records []Record

	for rows.Next() {
		var rec Record
		var value string
		var expiresAt sql.NullTime

		if err := rows.Scan(&rec.Key, &value, &rec.Version, &expiresAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		if expiresAt.Valid && expiresAt.Time.Before(now) {
			continue
		}
		rec.Value = json.RawMessage(value)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Sweep deletes expired records and returns the number removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM state WHERE expires_at IS NOT NULL AND expires_at < ?
	`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep state: %w", err)
	}
	return res.RowsAffected()
}

// expiry converts a TTL into an absolute expiry, nil for no TTL.
func expiry(now time.Time, ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return now.Add(ttl)
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix.
func prefixUpperBound(prefix string) string {
	if prefix == "" {
		return "￿"
	}
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return prefix + strings.Repeat("\xff", 4)
}
