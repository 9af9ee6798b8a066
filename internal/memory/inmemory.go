package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps history in process; nothing survives a restart.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]TurnRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]TurnRecord)}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.UserID] = append(s.records[record.UserID], record)
	return nil
}

func (s *InMemoryStore) RecentContext(_ context.Context, userID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.records[userID], limit), nil
}

func (s *InMemoryStore) Close() error { return nil }

// tail copies the last limit records; limit <= 0 copies everything.
func tail(records []TurnRecord, limit int) []TurnRecord {
	if len(records) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	out := make([]TurnRecord, limit)
	copy(out, records[len(records)-limit:])
	return out
}
