package rf

import (
	"testing"

	"github.com/fiorix/go-diameter/v4/diam"
	"github.com/fiorix/go-diameter/v4/diam/avp"
	"github.com/fiorix/go-diameter/v4/diam/datatype"
	"github.com/stretchr/testify/assert"
)

func newACA(resultCode uint32, sessionID string, interimInterval uint32) *diam.Message {
	m := diam.NewMessage(commandAccounting, 0, AcctApplicationID, 0x1234, 0x5678, Dictionary())
	m.NewAVP(avp.ResultCode, avp.Mbit, 0, datatype.Unsigned32(resultCode))
	if sessionID != "" {
		m.NewAVP(avp.SessionID, avp.Mbit, 0, datatype.UTF8String(sessionID))
	}
	if interimInterval != 0 {
		m.NewAVP(avp.AcctInterimInterval, avp.Mbit, 0, datatype.Unsigned32(interimInterval))
	}
	return m
}

func TestParseACASuccess(t *testing.T) {
	ans := ParseACA(newACA(2001, "s;1;1", 100))

	assert.True(t, ans.Accepted())
	assert.Equal(t, uint32(2001), ans.ResultCode)
	assert.Equal(t, "s;1;1", ans.SessionID)
	assert.Equal(t, uint32(100), ans.InterimInterval)
}

func TestParseACARejection(t *testing.T) {
	ans := ParseACA(newACA(5002, "s;1;1", 0))

	assert.False(t, ans.Accepted())
	assert.Equal(t, uint32(ResultUnknownSession), ans.ResultCode)
	assert.Zero(t, ans.InterimInterval, "missing Acct-Interim-Interval reads as 0")
}

func TestParseACAMissingSessionID(t *testing.T) {
	ans := ParseACA(newACA(2001, "", 0))

	assert.True(t, ans.Accepted())
	assert.Equal(t, missingSessionID, ans.SessionID)
}
