package message

import "strconv"

// RecordType is the Rf Accounting-Record-Type carried on a charging event.
type RecordType int32

const (
	RecordTypeEvent   RecordType = 1
	RecordTypeStart   RecordType = 2
	RecordTypeInterim RecordType = 3
	RecordTypeStop    RecordType = 4
)

// Valid reports whether the record type is one of the four Rf types.
func (r RecordType) Valid() bool {
	return r >= RecordTypeEvent && r <= RecordTypeStop
}

func (r RecordType) IsEvent() bool   { return r == RecordTypeEvent }
func (r RecordType) IsStart() bool   { return r == RecordTypeStart }
func (r RecordType) IsInterim() bool { return r == RecordTypeInterim }
func (r RecordType) IsStop() bool    { return r == RecordTypeStop }

func (r RecordType) String() string {
	switch r {
	case RecordTypeEvent:
		return "EVENT_RECORD"
	case RecordTypeStart:
		return "START_RECORD"
	case RecordTypeInterim:
		return "INTERIM_RECORD"
	case RecordTypeStop:
		return "STOP_RECORD"
	}
	return "UNKNOWN(" + strconv.Itoa(int(r)) + ")"
}

// Role is the 3GPP Role-Of-Node value of the node that emitted the event.
type Role int32

const (
	RoleOriginating Role = 0
	RoleTerminating Role = 1
)

// NodeFunctionality identifies the SIP node type that emitted the event. It
// participates in the session key, so a call traversing both an S-CSCF and a
// P-CSCF produces two independent charging sessions.
type NodeFunctionality int32

const (
	FunctionSCSCF NodeFunctionality = iota
	FunctionPCSCF
	FunctionICSCF
	FunctionMRFC
	FunctionMGCF
	FunctionBGCF
	FunctionAS
	FunctionIBCF
	FunctionSGW
	FunctionPGW
	FunctionHSGW
	FunctionECSCF
	FunctionMME
	FunctionTRF
	FunctionTF
	FunctionATCF
)

// Message is a single parsed charging event. It is created by the billing
// handler, mutated by the session manager as store state is folded in, and
// handed to the ACR sender. Ownership is linear: whichever component holds
// the pointer owns it, and the final response callback is the last holder.
type Message struct {
	CallID   string
	Role     Role
	Function NodeFunctionality

	RecordType RecordType

	// Event is the decoded top-level "event" object from the HTTP body.
	// Numbers are json.Number so AVP translation preserves integer width.
	Event map[string]interface{}

	// CCFs is the ordered list of charging functions to try. Populated from
	// the request body on Start/Event, and from the stored session on
	// Interim/Stop.
	CCFs []string
	ECFs []string

	// SessionRefreshTime is the requested session lifetime in seconds,
	// from the event's Acct-Interim-Interval.
	SessionRefreshTime uint32

	// TimerInterim is set when this message was generated by a timer pop
	// rather than by the signalling layer.
	TimerInterim bool

	// Filled in by the session manager before the ACR is sent.
	AccountingRecordNumber uint32
	SessionID              string
	TimerID                string
	InterimInterval        uint32
}
