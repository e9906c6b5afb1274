package main

import (
	"context"
	"database/sql"
	"errors"
)

const queryProbeLedger = `SELECT event_id FROM trigger_jobs LIMIT 1`

// probeLedgerTable reports whether the trigger_jobs table is reachable.
// An empty table is healthy.
func probeLedgerTable(ctx context.Context, db *sql.DB) error {
	var eventID string
	err := db.QueryRowContext(ctx, queryProbeLedger).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}
