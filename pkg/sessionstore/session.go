// Package sessionstore persists per-call charging sessions in a versioned
// key-value store. Sessions are short-lived read-modify-write snapshots; the
// CAS version captured at read time guards the write back.
package sessionstore

import (
	"strconv"

	"github.com/Metaswitch/ralf/pkg/message"
)

// namespace under which all session records live.
const namespace = "session"

// Session is one charging session's stored state.
type Session struct {
	// SessionID is the Diameter session identity, assigned when the CDF
	// accepts the Start ACR. Immutable thereafter.
	SessionID string

	// CCFs is the ordered charging-function list captured from the Start.
	CCFs []string

	// AcctRecordNumber is the last Accounting-Record-Number sent. It is
	// strictly monotonic for the life of the session.
	AcctRecordNumber uint32

	// TimerID is the interim timer's identity, or NO_TIMER when the timer
	// service could not supply one.
	TimerID string

	// SessionRefreshTime and InterimInterval are in seconds.
	SessionRefreshTime uint32
	InterimInterval    uint32

	// cas is the version observed when this snapshot was read. Zero for
	// sessions that have never been read from a store.
	cas uint64
}

// Clone returns a copy of the session with no CAS attached, suitable for
// writing into a store that has never seen it.
func (s *Session) Clone() *Session {
	c := *s
	c.cas = 0
	c.CCFs = append([]string(nil), s.CCFs...)
	return &c
}

// Key identifies a session: one SIP dialog can hold several, one per
// role/functionality pair of the nodes that bill it.
type Key struct {
	CallID   string
	Role     message.Role
	Function message.NodeFunctionality
}

// String renders the key in its stored form: the Call-ID with the decimal
// role and functionality appended.
func (k Key) String() string {
	return k.CallID + strconv.Itoa(int(k.Role)) + strconv.Itoa(int(k.Function))
}
