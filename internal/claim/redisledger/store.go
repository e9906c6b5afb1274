// Package redisledger implements the claim ledger on Redis. SET NX on the
// idempotency key provides the atomic insert-if-absent; a second key maps
// the event id back to its idempotency key for release.
package redisledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/easy-trigger/internal/claim"
)

// DefaultTTL bounds how long an unreleased record blocks its key.
const DefaultTTL = 24 * time.Hour

type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func New(client *redis.Client, prefix string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

func (s *Store) jobKey(key string) string {
	return s.prefix + "job:" + key
}

func (s *Store) eventKey(eventID string) string {
	return s.prefix + "event:" + eventID
}

func (s *Store) TryClaim(ctx context.Context, rec claim.JobRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal job record: %w", err)
	}

	won, err := s.client.SetNX(ctx, s.jobKey(rec.Key), data, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if !won {
		return false, nil
	}

	if err := s.client.Set(ctx, s.eventKey(rec.EventID), rec.Key, s.ttl).Err(); err != nil {
		// Without the index the record could never be released; give the key back.
		s.client.Del(ctx, s.jobKey(rec.Key))
		return false, fmt.Errorf("redis set event index: %w", err)
	}
	return true, nil
}

func (s *Store) ReleaseAndFetch(ctx context.Context, eventID string) (claim.JobRecord, bool, error) {
	key, err := s.client.GetDel(ctx, s.eventKey(eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return claim.JobRecord{}, false, nil
	}
	if err != nil {
		return claim.JobRecord{}, false, fmt.Errorf("redis getdel event index: %w", err)
	}

	data, err := s.client.GetDel(ctx, s.jobKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return claim.JobRecord{}, false, nil
	}
	if err != nil {
		return claim.JobRecord{}, false, fmt.Errorf("redis getdel job: %w", err)
	}

	var rec claim.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return claim.JobRecord{}, false, fmt.Errorf("decode job %s: %w", key, err)
	}
	return rec, true, nil
}

// Prune is a no-op: records expire through their TTL.
func (s *Store) Prune(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	return 0, nil
}
