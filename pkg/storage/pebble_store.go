package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/queue"
)

// PebbleStore keeps queued jobs and order records in a local Pebble database.
// All writes use pebble.Sync: a job is on disk before Enqueue returns.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex // serializes order read-modify-write

	closeOnce sync.Once
	closeErr  error
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the database. Later calls return the first call's result.
func (s *PebbleStore) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.db.Close() })
	return s.closeErr
}

// ============================================================================
// Job persistence (queue.JobStore)
// ============================================================================

func (s *PebbleStore) SaveJob(job queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := s.db.Set(jobKey(job.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *PebbleStore) DeleteJob(id string) error {
	if err := s.db.Delete(jobKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// LoadJobs returns every persisted job. Undecodable entries are skipped.
func (s *PebbleStore) LoadJobs() ([]queue.Job, error) {
	prefix := []byte(prefixJob)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var jobs []queue.Job
	for iter.First(); iter.Valid(); iter.Next() {
		var job queue.Job
		if err := json.Unmarshal(iter.Value(), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, iter.Error()
}

// ============================================================================
// Order records (OrderStore)
// ============================================================================

func (s *PebbleStore) Upsert(_ context.Context, orderID string, status order.Status, meta any) error {
	raw, err := encodeMeta(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rec, err := s.get(orderID)
	if errors.Is(err, ErrNotFound) {
		rec = Record{OrderID: orderID, CreatedAt: now}
	} else if err != nil {
		return err
	}
	rec.Status = status
	rec.Meta = raw
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(orderID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *PebbleStore) Get(_ context.Context, orderID string) (Record, error) {
	return s.get(orderID)
}

func (s *PebbleStore) get(orderID string) (Record, error) {
	data, closer, err := s.db.Get(orderKey(orderID))
	if err == pebble.ErrNotFound {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return rec, nil
}

var (
	_ queue.JobStore = (*PebbleStore)(nil)
	_ OrderStore     = (*PebbleStore)(nil)
)
