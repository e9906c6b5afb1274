package claim

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process ledger. It gives a single process the same
// claim and shift semantics as the shared backends and is used in tests.
type MemoryStore struct {
	mu      sync.Mutex
	byKey   map[string]JobRecord
	byEvent map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:   make(map[string]JobRecord),
		byEvent: make(map[string]string),
	}
}

func (s *MemoryStore) TryClaim(ctx context.Context, rec JobRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byKey[rec.Key]; exists {
		return false, nil
	}
	if _, exists := s.byEvent[rec.EventID]; exists {
		return false, nil
	}
	s.byKey[rec.Key] = rec
	s.byEvent[rec.EventID] = rec.Key
	return true, nil
}

func (s *MemoryStore) ReleaseAndFetch(ctx context.Context, eventID string) (JobRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byEvent[eventID]
	if !ok {
		return JobRecord{}, false, nil
	}
	rec := s.byKey[key]
	delete(s.byEvent, eventID)
	delete(s.byKey, key)
	return rec, true, nil
}

func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []JobRecord
	for _, rec := range s.byKey {
		if rec.CreatedAt.Before(olderThan) {
			expired = append(expired, rec)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].CreatedAt.Before(expired[j].CreatedAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, rec := range expired {
		delete(s.byKey, rec.Key)
		delete(s.byEvent, rec.EventID)
	}
	return len(expired), nil
}

// Len returns the number of live records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}
