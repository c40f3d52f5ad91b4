package sessionstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Metaswitch/ralf/pkg/kv"
	"github.com/Metaswitch/ralf/pkg/message"
)

func testSession() *Session {
	return &Session{
		SessionID:          "s;1;1",
		CCFs:               []string{"ccf1.example.com", "ccf2.example.com"},
		AcctRecordNumber:   4,
		TimerID:            "timer-1234",
		SessionRefreshTime: 300,
		InterimInterval:    100,
	}
}

func testKey() Key {
	return Key{CallID: "abcd@host", Role: message.RoleOriginating, Function: message.FunctionSCSCF}
}

func newTestStore(t *testing.T) (*Store, *kv.InMemory) {
	t.Helper()
	backend := kv.NewInMemory("local")
	return NewStore(backend, zap.NewNop()), backend
}

func TestKeyString(t *testing.T) {
	k := Key{CallID: "abcd", Role: message.RoleTerminating, Function: message.FunctionPCSCF}
	assert.Equal(t, "abcd11", k.String())

	// Distinct role/functionality pairs for one Call-ID are distinct sessions.
	k2 := Key{CallID: "abcd", Role: message.RoleOriginating, Function: message.FunctionSCSCF}
	assert.NotEqual(t, k.String(), k2.String())
}

func TestJSONRoundTrip(t *testing.T) {
	ser := JSONSerializer{}
	data, err := ser.Serialize(testSession())
	require.NoError(t, err)

	got, err := ser.Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, testSession(), got)
}

func TestBinaryRoundTrip(t *testing.T) {
	ser := BinarySerializer{}
	data, err := ser.Serialize(testSession())
	require.NoError(t, err)

	got, err := ser.Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, testSession(), got)
}

func TestJSONRejectsOtherShapes(t *testing.T) {
	ser := JSONSerializer{}

	for _, data := range []string{`{}`, `[]`, `{"session_id": "s"}`, `garbage`} {
		_, err := ser.Deserialize([]byte(data))
		assert.Error(t, err, "input %q", data)
	}
}

func TestDeserializerChainReadsLegacyBinary(t *testing.T) {
	store, backend := newTestStore(t)

	// Seed the backend with a record written in the legacy binary format.
	data, err := BinarySerializer{}.Serialize(testSession())
	require.NoError(t, err)
	require.Equal(t, kv.StatusOK, backend.Set("session", testKey().String(), data, 0, 0))

	sess, status := store.Get(testKey())
	require.Equal(t, kv.StatusOK, status)
	assert.Equal(t, "s;1;1", sess.SessionID)
	assert.Equal(t, uint32(4), sess.AcctRecordNumber)
	assert.Equal(t, []string{"ccf1.example.com", "ccf2.example.com"}, sess.CCFs)
}

func TestGetCorruptRecordIsAbsent(t *testing.T) {
	store, backend := newTestStore(t)

	require.Equal(t, kv.StatusOK,
		backend.Set("session", testKey().String(), []byte("\x01corrupt"), 0, 0))

	sess, status := store.Get(testKey())
	assert.Nil(t, sess)
	assert.Equal(t, kv.StatusNotFound, status)
}

func TestSetGetDeleteLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	key := testKey()

	require.Equal(t, kv.StatusOK, store.Set(key, testSession(), true))

	sess, status := store.Get(key)
	require.Equal(t, kv.StatusOK, status)

	sess.AcctRecordNumber++
	require.Equal(t, kv.StatusOK, store.Set(key, sess, false))

	got, status := store.Get(key)
	require.Equal(t, kv.StatusOK, status)
	assert.Equal(t, uint32(5), got.AcctRecordNumber)

	require.Equal(t, kv.StatusOK, store.DeleteCAS(key, got))
	_, status = store.Get(key)
	assert.Equal(t, kv.StatusNotFound, status)
}

func TestSetContentionOnStaleSnapshot(t *testing.T) {
	store, _ := newTestStore(t)
	key := testKey()

	require.Equal(t, kv.StatusOK, store.Set(key, testSession(), true))

	first, status := store.Get(key)
	require.Equal(t, kv.StatusOK, status)
	second, status := store.Get(key)
	require.Equal(t, kv.StatusOK, status)

	first.AcctRecordNumber++
	require.Equal(t, kv.StatusOK, store.Set(key, first, false))

	second.AcctRecordNumber++
	assert.Equal(t, kv.StatusContention, store.Set(key, second, false))
}

func TestDeleteCASContention(t *testing.T) {
	store, _ := newTestStore(t)
	key := testKey()

	require.Equal(t, kv.StatusOK, store.Set(key, testSession(), true))

	stale, status := store.Get(key)
	require.Equal(t, kv.StatusOK, status)

	fresh, status := store.Get(key)
	require.Equal(t, kv.StatusOK, status)
	fresh.AcctRecordNumber++
	require.Equal(t, kv.StatusOK, store.Set(key, fresh, false))

	assert.Equal(t, kv.StatusContention, store.DeleteCAS(key, stale))
}

func TestCloneDropsCAS(t *testing.T) {
	store, _ := newTestStore(t)
	key := testKey()

	require.Equal(t, kv.StatusOK, store.Set(key, testSession(), true))
	sess, status := store.Get(key)
	require.Equal(t, kv.StatusOK, status)

	other := kv.NewInMemory("remote")
	remote := NewStore(other, zap.NewNop())

	// A clone writes into a store that has never seen the session.
	assert.Equal(t, kv.StatusOK, remote.Set(key, sess.Clone(), true))
}
