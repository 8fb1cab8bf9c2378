package storage

import (
	"context"
	"sync"
	"time"

	"github.com/uhyunpark/orderflow/pkg/order"
)

// MemoryStore is a process-local OrderStore for tests and single-process demos.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	writes  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Upsert(_ context.Context, orderID string, status order.Status, meta any) error {
	raw, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	rec, ok := s.records[orderID]
	if !ok {
		rec = Record{OrderID: orderID, CreatedAt: now}
	}
	rec.Status = status
	rec.Meta = raw
	rec.UpdatedAt = now
	s.records[orderID] = rec
	s.writes++
	return nil
}

func (s *MemoryStore) Get(_ context.Context, orderID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[orderID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Len returns the number of distinct order rows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Writes returns how many upserts have been applied.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

var _ OrderStore = (*MemoryStore)(nil)
