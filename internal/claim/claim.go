// Package claim is the distributed idempotency ledger.
//
// Every replica that observes the same external occurrence (a cron tick, a
// change-stream document, an AMQP delivery) computes the same key and races
// to insert a job record for it. The insert is atomic, so exactly one replica
// wins and enqueues; the others skip silently. The record stays until the
// event is completed, drained (and shifted to a peer) or pruned by the
// janitor, whichever deletes it first.
package claim

import (
	"context"
	"encoding/json"
	"time"

	"github.com/djlord-it/easy-trigger/internal/domain"
)

// JobRecord is the durable row written before a candidate enqueue. It holds
// enough state to replay the trigger on another node.
type JobRecord struct {
	Key       string           `json:"key"`
	EventID   string           `json:"event_id"`
	Kind      domain.EventType `json:"kind"`
	Target    domain.Target    `json:"target"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Owner     string           `json:"owner,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Store is implemented by every ledger backend.
type Store interface {
	// TryClaim inserts rec if no record with the same key exists.
	// It reports false, nil when another caller already holds the key.
	TryClaim(ctx context.Context, rec JobRecord) (bool, error)

	// ReleaseAndFetch deletes the record of eventID and returns it.
	// Exactly one caller observes found == true per record.
	ReleaseAndFetch(ctx context.Context, eventID string) (rec JobRecord, found bool, err error)

	// Prune deletes up to limit records created before olderThan.
	Prune(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// Do runs fn only if rec could be claimed. A nil store means single-instance
// mode: fn runs directly and no record is written. When fn fails the record is
// released again so the key does not stay blocked until the janitor prunes it.
func Do(ctx context.Context, store Store, rec JobRecord, fn func() error) (bool, error) {
	if store == nil {
		return true, fn()
	}

	won, err := store.TryClaim(ctx, rec)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	if err := fn(); err != nil {
		if _, _, relErr := store.ReleaseAndFetch(ctx, rec.EventID); relErr != nil {
			return true, relErr
		}
		return true, err
	}
	return true, nil
}
