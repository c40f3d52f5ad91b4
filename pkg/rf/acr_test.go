package rf

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/fiorix/go-diameter/v4/diam"
	"github.com/fiorix/go-diameter/v4/diam/avp"
	"github.com/fiorix/go-diameter/v4/diam/datatype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testACRConfig() ACRConfig {
	return ACRConfig{
		OriginHost:       "ralf.example.com",
		OriginRealm:      "example.com",
		DestinationRealm: "billing.example.com",
	}
}

// decodeEvent parses a JSON event body the way the billing handler does,
// with numbers kept as json.Number.
func decodeEvent(t *testing.T, body string) map[string]interface{} {
	t.Helper()
	var event map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&event))
	return event
}

func TestBuildACRFixedAVPs(t *testing.T) {
	event := decodeEvent(t, `{"Accounting-Record-Type": 2}`)

	m := BuildACR(testACRConfig(), "ccf1.example.com", "session-1", 7, event, zap.NewNop())

	require.Equal(t, uint32(commandAccounting), m.Header.CommandCode)
	require.Equal(t, uint32(AcctApplicationID), m.Header.ApplicationID)

	sid, err := m.FindAVP(avp.SessionID, 0)
	require.NoError(t, err)
	assert.Equal(t, datatype.UTF8String("session-1"), sid.Data)

	dh, err := m.FindAVP(avp.DestinationHost, 0)
	require.NoError(t, err)
	assert.Equal(t, datatype.DiameterIdentity("ccf1.example.com"), dh.Data)

	dr, err := m.FindAVP(avp.DestinationRealm, 0)
	require.NoError(t, err)
	assert.Equal(t, datatype.DiameterIdentity("billing.example.com"), dr.Data)

	sc, err := m.FindAVP(avp.ServiceContextID, 0)
	require.NoError(t, err)
	assert.Equal(t, datatype.UTF8String(ServiceContextID), sc.Data)

	rn, err := m.FindAVP(avp.AccountingRecordNumber, 0)
	require.NoError(t, err)
	assert.Equal(t, datatype.Unsigned32(7), rn.Data)

	// The record type AVP is carried by the event JSON itself.
	rt, err := m.FindAVP(avp.AccountingRecordType, 0)
	require.NoError(t, err)
	assert.Equal(t, datatype.Enumerated(2), rt.Data)
}

func TestBuildACRGeneratesSessionID(t *testing.T) {
	event := decodeEvent(t, `{}`)

	m := BuildACR(testACRConfig(), "ccf1", "", 1, event, zap.NewNop())

	sid, err := m.FindAVP(avp.SessionID, 0)
	require.NoError(t, err)
	assert.Contains(t, string(sid.Data.(datatype.UTF8String)), "ralf.example.com;")
}

func TestBuildACRTranslatesNestedEvent(t *testing.T) {
	event := decodeEvent(t, `{
		"Accounting-Record-Type": 2,
		"Service-Information": {
			"IMS-Information": {
				"Role-Of-Node": 0,
				"Node-Functionality": 6,
				"IMS-Charging-Identifier": "icid-1",
				"Calling-Party-Address": "sip:alice@example.com"
			}
		}
	}`)

	m := BuildACR(testACRConfig(), "ccf1", "s", 1, event, zap.NewNop())

	si, err := m.FindAVP("Service-Information", tgppVendorID)
	require.NoError(t, err)
	siGroup, ok := si.Data.(*diam.GroupedAVP)
	require.True(t, ok, "Service-Information must be grouped")
	require.Len(t, siGroup.AVP, 1)

	imsGroup, ok := siGroup.AVP[0].Data.(*diam.GroupedAVP)
	require.True(t, ok, "IMS-Information must be grouped")
	assert.Len(t, imsGroup.AVP, 4)

	byCode := map[uint32]*diam.AVP{}
	for _, a := range imsGroup.AVP {
		byCode[a.Code] = a
	}

	require.Contains(t, byCode, uint32(829))
	assert.Equal(t, datatype.Enumerated(0), byCode[829].Data)
	require.Contains(t, byCode, uint32(862))
	assert.Equal(t, datatype.Enumerated(6), byCode[862].Data)
	require.Contains(t, byCode, uint32(841))
	assert.Equal(t, datatype.UTF8String("icid-1"), byCode[841].Data)
	require.Contains(t, byCode, uint32(831))
	assert.Equal(t, datatype.UTF8String("sip:alice@example.com"), byCode[831].Data)
}

func TestBuildACRSkipsBooleansNullsAndUnknowns(t *testing.T) {
	event := decodeEvent(t, `{
		"Accounting-Record-Type": 1,
		"Some-Unknown-AVP": "value",
		"Flag": true,
		"Nothing": null
	}`)

	m := BuildACR(testACRConfig(), "ccf1", "s", 1, event, zap.NewNop())

	_, err := m.FindAVP("Some-Unknown-AVP", 0)
	assert.Error(t, err)

	rt, err := m.FindAVP(avp.AccountingRecordType, 0)
	require.NoError(t, err)
	assert.Equal(t, datatype.Enumerated(1), rt.Data)
}

func TestBuildACRRepeatsArrayMembers(t *testing.T) {
	event := decodeEvent(t, `{
		"Service-Information": {
			"IMS-Information": {
				"Associated-URI": ["sip:a@x.com", "sip:b@x.com"]
			}
		}
	}`)

	m := BuildACR(testACRConfig(), "ccf1", "s", 1, event, zap.NewNop())

	si, err := m.FindAVP("Service-Information", tgppVendorID)
	require.NoError(t, err)
	imsGroup := si.Data.(*diam.GroupedAVP).AVP[0].Data.(*diam.GroupedAVP)

	var uris []string
	for _, a := range imsGroup.AVP {
		if a.Code == 856 {
			uris = append(uris, string(a.Data.(datatype.UTF8String)))
		}
	}
	assert.ElementsMatch(t, []string{"sip:a@x.com", "sip:b@x.com"}, uris)
}

func TestDictionaryResolvesOpaquePayloadAVPs(t *testing.T) {
	d := Dictionary()

	for _, name := range []string{
		"Service-Information", "IMS-Information", "Role-Of-Node",
		"Node-Functionality", "Accounting-Record-Type",
	} {
		_, err := d.FindAVP(AcctApplicationID, name)
		assert.NoError(t, err, "AVP %s must resolve", name)
	}
}
