package sessionstore

import (
	"time"

	"go.uber.org/zap"

	"github.com/Metaswitch/ralf/pkg/kv"
)

// Store reads and writes Sessions through a kv.Store.
type Store struct {
	backend       kv.Store
	serializer    SerializerDeserializer
	deserializers []SerializerDeserializer
	logger        *zap.Logger
}

// NewStore creates a session store writing the JSON format and reading both
// JSON and the legacy binary format.
func NewStore(backend kv.Store, logger *zap.Logger) *Store {
	return &Store{
		backend:       backend,
		serializer:    JSONSerializer{},
		deserializers: []SerializerDeserializer{JSONSerializer{}, BinarySerializer{}},
		logger:        logger,
	}
}

// Name identifies the underlying store, usually by site.
func (s *Store) Name() string { return s.backend.Name() }

// Get reads the session for key. A missing record and a record that no
// registered deserializer understands both return (nil, StatusNotFound); the
// latter is logged, since it means the record is effectively lost.
func (s *Store) Get(key Key) (*Session, kv.Status) {
	data, cas, status := s.backend.Get(namespace, key.String())
	if status != kv.StatusOK {
		return nil, status
	}

	sess := s.deserialize(data)
	if sess == nil {
		s.logger.Info("Failed to deserialize session record, treating as absent",
			zap.String("store", s.backend.Name()),
			zap.String("call_id", key.CallID),
		)
		return nil, kv.StatusNotFound
	}

	sess.cas = cas
	s.logger.Debug("Retrieved session",
		zap.String("store", s.backend.Name()),
		zap.String("key", key.String()),
		zap.Uint64("cas", cas),
	)
	return sess, kv.StatusOK
}

// Set writes the session back under key. With newSession the write uses add
// semantics (CAS 0), resurrecting the record in a store that has lost it;
// otherwise it is CAS-checked against the version Get observed. The record
// lives for twice the session refresh time so a missed refresh does not
// immediately orphan the session.
func (s *Store) Set(key Key, sess *Session, newSession bool) kv.Status {
	cas := sess.cas
	if newSession {
		cas = 0
	}

	data, err := s.serializer.Serialize(sess)
	if err != nil {
		s.logger.Error("Failed to serialize session",
			zap.String("key", key.String()),
			zap.Error(err),
		)
		return kv.StatusError
	}

	expiry := 2 * time.Duration(sess.SessionRefreshTime) * time.Second
	status := s.backend.Set(namespace, key.String(), data, cas, expiry)

	s.logger.Debug("Saved session",
		zap.String("store", s.backend.Name()),
		zap.String("key", key.String()),
		zap.Uint64("cas", cas),
		zap.String("status", status.String()),
	)
	return status
}

// DeleteCAS removes the session with a CAS-checked tombstone write, failing
// with Contention if another writer has moved the record on since it was
// read.
func (s *Store) DeleteCAS(key Key, sess *Session) kv.Status {
	status := s.backend.Set(namespace, key.String(), nil, sess.cas, 0)

	s.logger.Debug("Deleted session (CAS-checked)",
		zap.String("store", s.backend.Name()),
		zap.String("key", key.String()),
		zap.String("status", status.String()),
	)
	return status
}

// Delete removes the session unconditionally.
func (s *Store) Delete(key Key) kv.Status {
	status := s.backend.Delete(namespace, key.String())

	s.logger.Debug("Deleted session",
		zap.String("store", s.backend.Name()),
		zap.String("key", key.String()),
		zap.String("status", status.String()),
	)
	return status
}

func (s *Store) deserialize(data []byte) *Session {
	for _, d := range s.deserializers {
		sess, err := d.Deserialize(data)
		if err == nil {
			return sess
		}
		s.logger.Debug("Deserializer rejected record",
			zap.String("format", d.Name()),
			zap.Error(err),
		)
	}
	return nil
}
