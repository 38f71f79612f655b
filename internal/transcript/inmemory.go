package transcript

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps transcripts in process for local runs and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]Record)}
}

func (s *InMemoryStore) SaveTranscript(_ context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now().UTC()
	}
	rec.Turns = append([]Turn(nil), rec.Turns...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.CallSid] = rec
	return nil
}

func (s *InMemoryStore) GetTranscript(_ context.Context, callSid string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[callSid]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Turns = append([]Turn(nil), rec.Turns...)
	return rec, nil
}

// RecentByCaller returns the caller's newest transcripts first.
func (s *InMemoryStore) RecentByCaller(_ context.Context, from string, limit int) ([]Record, error) {
	s.mu.RLock()
	var out []Record
	for _, rec := range s.records {
		if rec.From == from {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
