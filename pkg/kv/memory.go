package kv

import (
	"sync"
	"time"
)

// InMemory is a Store held entirely in process memory. It implements the
// same CAS semantics as the memcached store and is used in tests and for
// single-node development deployments.
type InMemory struct {
	name string

	mu      sync.Mutex
	records map[string]*memoryRecord
	nextCAS uint64
}

type memoryRecord struct {
	data      []byte
	cas       uint64
	expiresAt time.Time
}

// NewInMemory creates an empty in-memory store.
func NewInMemory(name string) *InMemory {
	return &InMemory{
		name:    name,
		records: make(map[string]*memoryRecord),
	}
}

func (s *InMemory) Name() string { return s.name }

func (s *InMemory) Get(namespace, key string) ([]byte, uint64, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live(namespace + "\\\\" + key)
	if !ok || len(rec.data) == 0 {
		return nil, 0, StatusNotFound
	}

	data := make([]byte, len(rec.data))
	copy(data, rec.data)
	return data, rec.cas, StatusOK
}

func (s *InMemory) Set(namespace, key string, data []byte, cas uint64, expiry time.Duration) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	sk := namespace + "\\\\" + key
	rec, exists := s.live(sk)

	if cas == 0 {
		// Tombstones left by CAS-checked deletes do not block a re-add.
		if exists && len(rec.data) > 0 {
			return StatusContention
		}
	} else {
		if !exists || rec.cas != cas {
			return StatusContention
		}
	}

	s.nextCAS++
	stored := make([]byte, len(data))
	copy(stored, data)

	newRec := &memoryRecord{data: stored, cas: s.nextCAS}
	if expiry > 0 {
		newRec.expiresAt = time.Now().Add(expiry)
	}
	s.records[sk] = newRec

	return StatusOK
}

func (s *InMemory) Delete(namespace, key string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, namespace+"\\\\"+key)
	return StatusOK
}

// live returns the record for sk, discarding it if it has expired.
func (s *InMemory) live(sk string) (*memoryRecord, bool) {
	rec, ok := s.records[sk]
	if !ok {
		return nil, false
	}
	if !rec.expiresAt.IsZero() && time.Now().After(rec.expiresAt) {
		delete(s.records, sk)
		return nil, false
	}
	return rec, true
}
