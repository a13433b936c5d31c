package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	Record
	expiresAt time.Time
}

// MemoryStore is the fallback used when Redis is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]memoryRecord
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, records: map[string]memoryRecord{}}
}

func (m *MemoryStore) GetRecord(ctx context.Context, req Request) (Record, bool, error) {
	k := recordKey(req)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[k]
	if !ok {
		return Record{}, false, nil
	}
	if !m.live(rec) {
		delete(m.records, k)
		return Record{}, false, nil
	}
	return rec.Record, true, nil
}

func (m *MemoryStore) SaveRecord(ctx context.Context, req Request, rec Record) error {
	k := recordKey(req)
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.records[k]; ok && m.live(cur) {
		return nil
	}
	m.records[k] = memoryRecord{Record: rec, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryStore) live(rec memoryRecord) bool {
	return m.ttl <= 0 || m.now().Before(rec.expiresAt)
}
