// Package postgres implements the claim ledger on a PostgreSQL table. The
// primary key on the idempotency key provides the atomic insert-if-absent.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/djlord-it/easy-trigger/internal/claim"
	"github.com/djlord-it/easy-trigger/internal/domain"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store implements claim.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL ledger with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the ledger table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, querySchema); err != nil {
		return fmt.Errorf("create trigger_jobs: %w", err)
	}
	return nil
}

// TryClaim inserts the job record. A unique violation means another replica
// already claimed the key.
func (s *Store) TryClaim(ctx context.Context, rec claim.JobRecord) (bool, error) {
	target, err := json.Marshal(rec.Target)
	if err != nil {
		return false, fmt.Errorf("marshal target: %w", err)
	}

	// lib/pq sends []byte as bytea, so JSONB columns get strings.
	var payload any
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}

	_, err = s.db.ExecContext(ctx, queryInsertJob,
		rec.Key,
		rec.EventID,
		string(rec.Kind),
		string(target),
		payload,
		rec.Owner,
		rec.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ReleaseAndFetch deletes the record of eventID and returns it.
func (s *Store) ReleaseAndFetch(ctx context.Context, eventID string) (claim.JobRecord, bool, error) {
	var rec claim.JobRecord
	var kind string
	var target, payload []byte

	err := s.db.QueryRowContext(ctx, queryReleaseJob, eventID).Scan(
		&rec.Key,
		&rec.EventID,
		&kind,
		&target,
		&payload,
		&rec.Owner,
		&rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return claim.JobRecord{}, false, nil
	}
	if err != nil {
		return claim.JobRecord{}, false, err
	}

	rec.Kind = domain.EventType(kind)
	if err := json.Unmarshal(target, &rec.Target); err != nil {
		return claim.JobRecord{}, false, fmt.Errorf("decode target of job %s: %w", rec.Key, err)
	}
	if len(payload) > 0 {
		rec.Payload = payload
	}
	return rec, true, nil
}

// Prune deletes up to limit records created before olderThan.
func (s *Store) Prune(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	res, err := s.db.ExecContext(ctx, queryPruneJobs, olderThan, limit)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}
