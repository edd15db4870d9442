// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and single-site deployments without a database.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/registerlabs/posbridge/internal/storage"
)

// Store is the in-memory payment store.
type Store struct {
	mu       sync.RWMutex
	nextID   int64
	payments map[string]storage.PaymentRecord
	order    []string
}

var _ storage.PaymentStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:   1,
		payments: make(map[string]storage.PaymentRecord),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// RecordPayment stores one finished payment attempt.
func (s *Store) RecordPayment(_ context.Context, rec storage.PaymentRecord) (storage.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = s.nextIDLocked()
	} else if _, exists := s.payments[rec.ID]; exists {
		return storage.PaymentRecord{}, fmt.Errorf("payment %s already exists", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.payments[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return rec, nil
}

// GetPayment returns one record by id.
func (s *Store) GetPayment(_ context.Context, id string) (storage.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.payments[id]
	if !ok {
		return storage.PaymentRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

// ListPayments returns up to limit records, newest first. A non-positive
// limit returns everything.
func (s *Store) ListPayments(_ context.Context, limit int) ([]storage.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.order)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]storage.PaymentRecord, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.payments[s.order[i]])
	}
	return out, nil
}
