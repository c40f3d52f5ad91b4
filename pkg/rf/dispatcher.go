package rf

import (
	"github.com/fiorix/go-diameter/v4/diam"
	"github.com/fiorix/go-diameter/v4/diam/avp"
	"github.com/fiorix/go-diameter/v4/diam/datatype"
)

// missingSessionID is substituted when an ACA carries no Session-Id AVP. It
// is only ever used for logging; the state machine takes the CDF-assigned
// session identity from successful Start answers, which always carry one.
const missingSessionID = "<value not found in Diameter message>"

// Answer is the distilled content of an Accounting-Answer.
type Answer struct {
	ResultCode uint32
	SessionID  string

	// InterimInterval is the CDF's Acct-Interim-Interval, or 0 when the
	// AVP was absent (the state machine then falls back to the session
	// refresh time).
	InterimInterval uint32
}

// Accepted reports whether the CDF accepted the accounting record.
func (a Answer) Accepted() bool { return a.ResultCode == ResultSuccess }

// ParseACA extracts the fields the state machine needs from an ACA.
func ParseACA(m *diam.Message) Answer {
	ans := Answer{SessionID: missingSessionID}

	if a, err := m.FindAVP(avp.ResultCode, 0); err == nil {
		if rc, ok := a.Data.(datatype.Unsigned32); ok {
			ans.ResultCode = uint32(rc)
		}
	}

	if a, err := m.FindAVP(avp.SessionID, 0); err == nil {
		if sid, ok := a.Data.(datatype.UTF8String); ok {
			ans.SessionID = string(sid)
		}
	}

	// Not a mandatory AVP; missing means 0.
	if a, err := m.FindAVP(avp.AcctInterimInterval, 0); err == nil {
		if ii, ok := a.Data.(datatype.Unsigned32); ok {
			ans.InterimInterval = uint32(ii)
		}
	}

	return ans
}
