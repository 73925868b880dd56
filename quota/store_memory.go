package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps usage records in a map behind a single mutex.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]UsageRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]UsageRecord)}
}

func (s *MemoryStore) Load(_ context.Context, fp string) (UsageRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fp]
	return rec, ok, nil
}

func (s *MemoryStore) Increment(_ context.Context, fp, day string, now time.Time) (UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[fp]
	next := Advance(prev, ok, fp, day, now)
	s.records[fp] = next
	return next, nil
}

func (s *MemoryStore) Prune(_ context.Context, before string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for fp, rec := range s.records {
		if rec.Day < before {
			delete(s.records, fp)
			removed++
		}
	}
	return removed, nil
}

// Set stores rec verbatim. It exists for seeding and repair tooling.
func (s *MemoryStore) Set(rec UsageRecord) {
	s.mu.Lock()
	s.records[rec.Fingerprint] = rec
	s.mu.Unlock()
}

// Len reports how many records are held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
