package kv

import "time"

// StoreStats receives per-operation accounting from an instrumented store.
// *metrics.Metrics satisfies it.
type StoreStats interface {
	IncStoreOp(store, op, status string)
	IncStoreContention(store string)
}

// instrumented wraps a Store and counts its operations.
type instrumented struct {
	Store
	stats StoreStats
}

// Instrument wraps s so every operation is counted against stats. A nil
// stats returns s unchanged.
func Instrument(s Store, stats StoreStats) Store {
	if stats == nil {
		return s
	}
	return &instrumented{Store: s, stats: stats}
}

func (i *instrumented) Get(namespace, key string) ([]byte, uint64, Status) {
	data, cas, status := i.Store.Get(namespace, key)
	i.stats.IncStoreOp(i.Name(), "get", status.String())
	return data, cas, status
}

func (i *instrumented) Set(namespace, key string, data []byte, cas uint64, expiry time.Duration) Status {
	status := i.Store.Set(namespace, key, data, cas, expiry)
	i.stats.IncStoreOp(i.Name(), "set", status.String())
	if status == StatusContention {
		i.stats.IncStoreContention(i.Name())
	}
	return status
}

func (i *instrumented) Delete(namespace, key string) Status {
	status := i.Store.Delete(namespace, key)
	i.stats.IncStoreOp(i.Name(), "delete", status.String())
	return status
}
