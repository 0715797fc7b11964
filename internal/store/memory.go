package store

import (
	"context"
	"sync"
	"time"

	"github.com/argus-systems/argus/internal/models"
)

// MemoryStore is an in-process Store used by tests and local development.
// Semantics match RedisStore: unconditional upserts, per-partition expiry,
// change notification on every successful write.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]map[string]Record // hashKey -> recordID -> record
	notifier Notifier
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string]Record),
		now:  time.Now,
	}
}

// SetNotifier installs the change-notification hook.
func (s *MemoryStore) SetNotifier(fn Notifier) { s.notifier = fn }

// SetClock overrides the expiry clock, for tests exercising TTL behavior.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	key := hashKey(rec.Partition, rec.Kind)
	bucket, ok := s.data[key]
	if !ok {
		bucket = make(map[string]Record)
		s.data[key] = bucket
	}
	bucket[rec.ID] = rec
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier(ctx, rec)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key Key) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket, ok := s.data[hashKey(key.Partition, key.Kind)]
	if !ok {
		return nil, nil
	}
	rec, ok := bucket[key.ID]
	if !ok || s.expired(rec) {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (s *MemoryStore) Query(ctx context.Context, partition string, kind models.RecordKind) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket := s.data[hashKey(partition, kind)]
	records := make([]Record, 0, len(bucket))
	for _, rec := range bucket {
		if s.expired(rec) {
			continue
		}
		records = append(records, rec)
	}
	sortRecords(records)
	return records, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, ok := s.data[hashKey(key.Partition, key.Kind)]; ok {
		delete(bucket, key.ID)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) expired(rec Record) bool {
	return !rec.ExpiresAt.IsZero() && !s.now().Before(rec.ExpiresAt)
}
