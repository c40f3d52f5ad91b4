package message

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// Parse turns an inbound charging event body into a Message.
//
// The returned status is the HTTP status the caller should send:
//
//   - 200 with a non-nil Message: the event was accepted.
//   - 200 with a nil Message: a Start/Event with no "peers" object at all.
//     The request was understood but there is nowhere to send an ACR, so it
//     is acknowledged and dropped (callers log this outcome).
//   - 400 with a nil Message: the body was malformed. No Message is ever
//     allocated on this path.
func Parse(callID string, timerInterim bool, body []byte) (*Message, int) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, http.StatusBadRequest
	}

	event, ok := doc["event"].(map[string]interface{})
	if !ok {
		return nil, http.StatusBadRequest
	}

	// Role-Of-Node and Node-Functionality distinguish devices in the path
	// for the same SIP Call-ID, so both are mandatory.
	serviceInfo, ok := event["Service-Information"].(map[string]interface{})
	if !ok {
		return nil, http.StatusBadRequest
	}
	imsInfo, ok := serviceInfo["IMS-Information"].(map[string]interface{})
	if !ok {
		return nil, http.StatusBadRequest
	}

	role, ok := jsonInt(imsInfo["Role-Of-Node"])
	if !ok {
		return nil, http.StatusBadRequest
	}
	function, ok := jsonInt(imsInfo["Node-Functionality"])
	if !ok {
		return nil, http.StatusBadRequest
	}

	rt, ok := jsonInt(event["Accounting-Record-Type"])
	if !ok {
		return nil, http.StatusBadRequest
	}
	recordType := RecordType(rt)
	if !recordType.Valid() {
		return nil, http.StatusBadRequest
	}

	var sessionRefreshTime uint32
	if v, ok := jsonInt(event["Acct-Interim-Interval"]); ok {
		sessionRefreshTime = uint32(v)
	}

	var ccfs, ecfs []string
	if recordType.IsStart() || recordType.IsEvent() {
		peers, ok := doc["peers"].(map[string]interface{})
		if !ok {
			// No peers at all: there is no CDF to bill, but the request
			// itself was well formed. Acknowledge and drop.
			return nil, http.StatusOK
		}

		ccfs, ok = jsonStringArray(peers["ccf"])
		if !ok || len(ccfs) == 0 {
			return nil, http.StatusBadRequest
		}
		ecfs, _ = jsonStringArray(peers["ecf"])
	}

	return &Message{
		CallID:             callID,
		Role:               Role(role),
		Function:           NodeFunctionality(function),
		RecordType:         recordType,
		Event:              event,
		CCFs:               ccfs,
		ECFs:               ecfs,
		SessionRefreshTime: sessionRefreshTime,
		TimerInterim:       timerInterim,
	}, http.StatusOK
}

// jsonInt extracts an integer from a json.Number-decoded value.
func jsonInt(v interface{}) (int64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return i, true
}

func jsonStringArray(v interface{}) ([]string, bool) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
