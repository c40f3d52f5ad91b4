package rf

import (
	"encoding/json"
	"net"
	"time"

	"github.com/fiorix/go-diameter/v4/diam"
	"github.com/fiorix/go-diameter/v4/diam/avp"
	"github.com/fiorix/go-diameter/v4/diam/datatype"
	diamdict "github.com/fiorix/go-diameter/v4/diam/dict"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ntpEpochOffset converts between the NTP-era timestamps carried in charging
// events and the Unix epoch.
const ntpEpochOffset = 2208988800

// ACRConfig carries the per-deployment identity stamped onto every ACR.
type ACRConfig struct {
	OriginHost       string
	OriginRealm      string
	DestinationRealm string
}

// BuildACR constructs one Accounting-Request. The fixed AVPs come from the
// config and the message's accounting state; everything else is translated
// recursively from the received event JSON, so the gateway forwards whatever
// service information the signalling layer chose to record without
// understanding it.
func BuildACR(cfg ACRConfig, destHost, sessionID string, recordNumber uint32, event map[string]interface{}, logger *zap.Logger) *diam.Message {
	d := Dictionary()
	m := diam.NewRequest(commandAccounting, AcctApplicationID, d)

	if sessionID == "" {
		sessionID = cfg.OriginHost + ";" + uuid.NewString()
	}

	m.NewAVP(avp.SessionID, avp.Mbit, 0, datatype.UTF8String(sessionID))
	m.NewAVP(avp.OriginHost, avp.Mbit, 0, datatype.DiameterIdentity(cfg.OriginHost))
	m.NewAVP(avp.OriginRealm, avp.Mbit, 0, datatype.DiameterIdentity(cfg.OriginRealm))
	m.NewAVP(avp.DestinationHost, avp.Mbit, 0, datatype.DiameterIdentity(destHost))
	m.NewAVP(avp.DestinationRealm, avp.Mbit, 0, datatype.DiameterIdentity(cfg.DestinationRealm))
	m.NewAVP(avp.AcctApplicationID, avp.Mbit, 0, datatype.Unsigned32(AcctApplicationID))
	m.NewAVP(avp.ServiceContextID, avp.Mbit, 0, datatype.UTF8String(ServiceContextID))
	m.NewAVP(avp.AccountingRecordNumber, avp.Mbit, 0, datatype.Unsigned32(recordNumber))

	appendEventAVPs(m, d, event, logger)

	return m
}

// appendEventAVPs translates the members of the event object into AVPs.
// Objects become Grouped AVPs, arrays repeat the AVP per element, and
// scalars are typed by the dictionary entry for the member's name. Booleans,
// nulls and names the dictionary does not know are skipped.
func appendEventAVPs(m *diam.Message, d *diamdict.Parser, event map[string]interface{}, logger *zap.Logger) {
	for name, value := range event {
		if arr, ok := value.([]interface{}); ok {
			for _, elem := range arr {
				if a := buildAVP(d, name, elem, logger); a != nil {
					m.AddAVP(a)
				}
			}
			continue
		}

		if a := buildAVP(d, name, value, logger); a != nil {
			m.AddAVP(a)
		}
	}
}

// buildAVP builds a single AVP named name holding value, or nil if the value
// has no AVP representation.
func buildAVP(d *diamdict.Parser, name string, value interface{}, logger *zap.Logger) *diam.AVP {
	switch value.(type) {
	case bool, nil:
		// No Diameter representation; skipped without the warning logged
		// for unknown or unconvertible members.
		return nil
	}

	davp, err := d.FindAVP(AcctApplicationID, name)
	if err != nil {
		logger.Warn("AVP not recognised, ignoring", zap.String("avp", name))
		return nil
	}

	data := avpData(d, davp, value, logger)
	if data == nil {
		logger.Warn("Cannot convert JSON value for AVP, ignoring", zap.String("avp", name))
		return nil
	}

	var flags uint8 = avp.Mbit
	if davp.VendorID != 0 {
		flags |= avp.Vbit
	}

	return diam.NewAVP(davp.Code, flags, davp.VendorID, data)
}

// avpData converts a JSON value into the datatype the dictionary declares
// for the AVP.
func avpData(d *diamdict.Parser, davp *diamdict.AVP, value interface{}, logger *zap.Logger) datatype.Type {
	if davp.Data.Type == datatype.GroupedType {
		obj, ok := value.(map[string]interface{})
		if !ok {
			return nil
		}

		group := &diam.GroupedAVP{}
		for name, member := range obj {
			if arr, ok := member.([]interface{}); ok {
				for _, elem := range arr {
					if a := buildAVP(d, name, elem, logger); a != nil {
						group.AVP = append(group.AVP, a)
					}
				}
				continue
			}
			if a := buildAVP(d, name, member, logger); a != nil {
				group.AVP = append(group.AVP, a)
			}
		}
		return group
	}

	switch v := value.(type) {
	case string:
		return stringData(davp.Data.Type, v)
	case json.Number:
		return numberData(davp.Data.Type, v)
	}
	return nil
}

func stringData(t datatype.TypeID, v string) datatype.Type {
	switch t {
	case datatype.UTF8StringType:
		return datatype.UTF8String(v)
	case datatype.OctetStringType:
		return datatype.OctetString(v)
	case datatype.DiameterIdentityType:
		return datatype.DiameterIdentity(v)
	case datatype.DiameterURIType:
		return datatype.DiameterURI(v)
	case datatype.AddressType:
		if ip := net.ParseIP(v); ip != nil {
			return datatype.Address(ip)
		}
		return nil
	}
	return nil
}

func numberData(t datatype.TypeID, v json.Number) datatype.Type {
	switch t {
	case datatype.Unsigned32Type:
		if n, err := v.Int64(); err == nil {
			return datatype.Unsigned32(n)
		}
	case datatype.Unsigned64Type:
		if n, err := v.Int64(); err == nil {
			return datatype.Unsigned64(n)
		}
	case datatype.Integer32Type:
		if n, err := v.Int64(); err == nil {
			return datatype.Integer32(n)
		}
	case datatype.Integer64Type:
		if n, err := v.Int64(); err == nil {
			return datatype.Integer64(n)
		}
	case datatype.EnumeratedType:
		if n, err := v.Int64(); err == nil {
			return datatype.Enumerated(n)
		}
	case datatype.Float32Type:
		if f, err := v.Float64(); err == nil {
			return datatype.Float32(f)
		}
	case datatype.Float64Type:
		if f, err := v.Float64(); err == nil {
			return datatype.Float64(f)
		}
	case datatype.TimeType:
		// Charging events carry NTP-era seconds.
		if n, err := v.Int64(); err == nil {
			return datatype.Time(time.Unix(n-ntpEpochOffset, 0))
		}
	case datatype.UTF8StringType:
		return datatype.UTF8String(v.String())
	}
	return nil
}
