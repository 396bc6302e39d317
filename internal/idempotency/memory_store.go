package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

func (m *MemoryStore) Reserve(_ context.Context, rec *Record) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.Key]; ok && !existing.Expired(m.now()) {
		cp := *existing
		return &cp, false, nil
	}
	cp := *rec
	cp.Status = StatusPending
	m.records[rec.Key] = &cp
	return nil, true, nil
}

func (m *MemoryStore) Complete(_ context.Context, key string, statusCode int, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil
	}
	rec.Status = StatusComplete
	rec.StatusCode = statusCode
	rec.Body = append([]byte(nil), body...)
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) Purge(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, rec := range m.records {
		if rec.Expired(now) {
			delete(m.records, key)
			n++
		}
	}
	return n, nil
}
