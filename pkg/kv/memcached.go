package kv

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"go.uber.org/zap"
)

// maxMemcachedKeyLen is the protocol limit on key length.
const maxMemcachedKeyLen = 250

// handleTTL bounds how long an unconsumed CAS handle is retained. A handle
// is normally consumed by the Set that follows its Get; handles left behind
// by dropped messages are swept after this interval.
const handleTTL = 5 * time.Minute

// Memcached is a Store backed by a memcached-protocol server (typically an
// Astaire/Rogers cluster fronting one site's session state).
//
// The memcached client library keeps the CAS identity of a fetched item
// private to the item it returned, so Get hands out an opaque uint64 handle
// and the fetched item is parked until the matching Set or until the sweeper
// reclaims it.
type Memcached struct {
	name   string
	client *memcache.Client
	logger *zap.Logger

	mu         sync.Mutex
	handles    map[uint64]*parkedItem
	nextHandle uint64

	done chan struct{}
	wg   sync.WaitGroup
}

type parkedItem struct {
	item    *memcache.Item
	created time.Time
}

// MemcachedConfig configures a Memcached store.
type MemcachedConfig struct {
	// Name identifies this store in logs, usually the site name.
	Name string

	// Servers is the list of memcached server addresses.
	Servers []string

	// Timeout is the per-operation socket timeout.
	Timeout time.Duration

	// MaxIdleConns bounds the pooled connections per server.
	MaxIdleConns int
}

// NewMemcached creates a Memcached store and starts its handle sweeper.
func NewMemcached(cfg MemcachedConfig, logger *zap.Logger) *Memcached {
	client := memcache.New(cfg.Servers...)
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}
	if cfg.MaxIdleConns > 0 {
		client.MaxIdleConns = cfg.MaxIdleConns
	}

	m := &Memcached{
		name:    cfg.Name,
		client:  client,
		logger:  logger,
		handles: make(map[uint64]*parkedItem),
		done:    make(chan struct{}),
	}

	m.wg.Add(1)
	go m.sweepLoop()

	return m
}

// Name returns the store's identity for logging.
func (m *Memcached) Name() string { return m.name }

// Close stops the handle sweeper.
func (m *Memcached) Close() {
	close(m.done)
	m.wg.Wait()
}

// Get reads a record and parks its CAS identity behind the returned handle.
func (m *Memcached) Get(namespace, key string) ([]byte, uint64, Status) {
	sk := storageKey(namespace, key)

	item, err := m.client.Get(sk)
	if err == memcache.ErrCacheMiss {
		return nil, 0, StatusNotFound
	}
	if err != nil {
		m.logger.Warn("Memcached GET failed",
			zap.String("store", m.name),
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, 0, StatusError
	}

	// Tombstones are empty records left by CAS-checked deletes.
	if len(item.Value) == 0 {
		return nil, 0, StatusNotFound
	}

	m.mu.Lock()
	m.nextHandle++
	handle := m.nextHandle
	m.handles[handle] = &parkedItem{item: item, created: time.Now()}
	m.mu.Unlock()

	return item.Value, handle, StatusOK
}

// Set writes a record. cas == 0 adds; a non-zero cas must be a handle from a
// previous Get against this store and performs a compare-and-swap at the
// version that Get observed.
func (m *Memcached) Set(namespace, key string, data []byte, cas uint64, expiry time.Duration) Status {
	sk := storageKey(namespace, key)
	exp := int32(expiry / time.Second)

	if cas == 0 {
		err := m.client.Add(&memcache.Item{Key: sk, Value: data, Expiration: exp})
		switch err {
		case nil:
			return StatusOK
		case memcache.ErrNotStored:
			// The key exists. If it is only a tombstone left by an earlier
			// CAS-checked delete, swap the new record in over it.
			existing, gerr := m.client.Get(sk)
			if gerr == nil && len(existing.Value) == 0 {
				existing.Value = data
				existing.Expiration = exp
				if m.client.CompareAndSwap(existing) == nil {
					return StatusOK
				}
			}
			return StatusContention
		default:
			m.logger.Warn("Memcached ADD failed",
				zap.String("store", m.name),
				zap.String("key", key),
				zap.Error(err),
			)
			return StatusError
		}
	}

	m.mu.Lock()
	parked, ok := m.handles[cas]
	delete(m.handles, cas)
	m.mu.Unlock()

	if !ok {
		// The handle has already been consumed or swept; the version it
		// described is unknowable, so report contention and let the caller
		// re-read.
		return StatusContention
	}

	parked.item.Value = data
	parked.item.Expiration = exp

	err := m.client.CompareAndSwap(parked.item)
	switch err {
	case nil:
		return StatusOK
	case memcache.ErrCASConflict, memcache.ErrNotStored:
		return StatusContention
	case memcache.ErrCacheMiss:
		return StatusContention
	default:
		m.logger.Warn("Memcached CAS failed",
			zap.String("store", m.name),
			zap.String("key", key),
			zap.Error(err),
		)
		return StatusError
	}
}

// Delete removes a record unconditionally.
func (m *Memcached) Delete(namespace, key string) Status {
	err := m.client.Delete(storageKey(namespace, key))
	if err != nil && err != memcache.ErrCacheMiss {
		m.logger.Warn("Memcached DELETE failed",
			zap.String("store", m.name),
			zap.String("key", key),
			zap.Error(err),
		)
		return StatusError
	}
	return StatusOK
}

func (m *Memcached) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-handleTTL)
			m.mu.Lock()
			for h, p := range m.handles {
				if p.created.Before(cutoff) {
					delete(m.handles, h)
				}
			}
			m.mu.Unlock()
		}
	}
}

// storageKey combines namespace and key, hashing when the result would break
// the memcached key rules (length, spaces, control characters). Call-IDs are
// arbitrary SIP tokens so this path is common in practice.
func storageKey(namespace, key string) string {
	sk := namespace + "\\\\" + key

	clean := len(sk) <= maxMemcachedKeyLen
	if clean {
		for i := 0; i < len(sk); i++ {
			if sk[i] <= ' ' || sk[i] == 0x7f {
				clean = false
				break
			}
		}
	}
	if clean {
		return sk
	}

	sum := sha256.Sum256([]byte(sk))
	return namespace + "\\\\" + hex.EncodeToString(sum[:])
}
