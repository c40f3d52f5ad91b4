// Package rf implements the Diameter Rf accounting interface: ACR
// construction from charging event JSON, peer connection management with
// failover across a session's CCF list, and ACA result dispatch.
package rf

import (
	"bytes"
	"sync"

	"github.com/fiorix/go-diameter/v4/diam/dict"
)

const (
	// AcctApplicationID is the 3GPP accounting application.
	AcctApplicationID = 3

	// commandAccounting is the ACR/ACA command code.
	commandAccounting = 271

	// tgppVendorID is the 3GPP vendor id used by the Rf AVPs.
	tgppVendorID = 10415

	// ServiceContextID identifies the IMS offline charging service on
	// every ACR.
	ServiceContextID = "MNC.MCC.10.32260@3gpp.org"

	// ResultSuccess and friends are the ACA result codes the state
	// machine branches on.
	ResultSuccess         = 2001
	ResultUnknownSession  = 5002
	ResultUnableToDeliver = 3002
)

// rfDictionaryXML layers the Rf accounting application and the 3GPP IMS
// AVPs over the base dictionary. Only AVPs the signalling layer actually
// emits in charging events are defined; unknown members of an event are
// skipped at translation time.
const rfDictionaryXML = `<?xml version="1.0" encoding="UTF-8"?>
<diameter>
  <application id="3" type="acct" name="Base Accounting">
    <vendor id="10415" name="TGPP"/>

    <avp name="Service-Context-Id" code="461" must="M" may="P" must-not="V" may-encrypt="Y">
      <data type="UTF8String"/>
    </avp>

    <avp name="Service-Information" code="873" must="V,M" may="P" vendor-id="10415">
      <data type="Grouped"/>
    </avp>

    <avp name="IMS-Information" code="876" must="V,M" may="P" vendor-id="10415">
      <data type="Grouped"/>
    </avp>

    <avp name="Event-Type" code="823" must="V,M" may="P" vendor-id="10415">
      <data type="Grouped"/>
    </avp>

    <avp name="SIP-Method" code="824" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="Event" code="825" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="Expires" code="888" must="V,M" may="P" vendor-id="10415">
      <data type="Unsigned32"/>
    </avp>

    <avp name="Role-Of-Node" code="829" must="V,M" may="P" vendor-id="10415">
      <data type="Enumerated">
        <item code="0" name="ORIGINATING_ROLE"/>
        <item code="1" name="TERMINATING_ROLE"/>
      </data>
    </avp>

    <avp name="Node-Functionality" code="862" must="V,M" may="P" vendor-id="10415">
      <data type="Enumerated">
        <item code="0" name="S-CSCF"/>
        <item code="1" name="P-CSCF"/>
        <item code="2" name="I-CSCF"/>
        <item code="3" name="MRFC"/>
        <item code="4" name="MGCF"/>
        <item code="5" name="BGCF"/>
        <item code="6" name="AS"/>
        <item code="7" name="IBCF"/>
        <item code="8" name="S-GW"/>
        <item code="9" name="P-GW"/>
        <item code="10" name="HSGW"/>
        <item code="11" name="E-CSCF"/>
        <item code="12" name="MME"/>
        <item code="13" name="TRF"/>
        <item code="14" name="TF"/>
        <item code="15" name="ATCF"/>
      </data>
    </avp>

    <avp name="User-Session-Id" code="830" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="Calling-Party-Address" code="831" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="Called-Party-Address" code="832" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="Requested-Party-Address" code="1251" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="Called-Asserted-Identity" code="1250" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="Associated-URI" code="856" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="Time-Stamps" code="833" must="V,M" may="P" vendor-id="10415">
      <data type="Grouped"/>
    </avp>

    <avp name="SIP-Request-Timestamp" code="834" must="V,M" may="P" vendor-id="10415">
      <data type="Time"/>
    </avp>

    <avp name="SIP-Response-Timestamp" code="835" must="V,M" may="P" vendor-id="10415">
      <data type="Time"/>
    </avp>

    <avp name="SIP-Request-Timestamp-Fraction" code="2301" must="V,M" may="P" vendor-id="10415">
      <data type="Unsigned32"/>
    </avp>

    <avp name="SIP-Response-Timestamp-Fraction" code="2302" must="V,M" may="P" vendor-id="10415">
      <data type="Unsigned32"/>
    </avp>

    <avp name="Application-Server-Information" code="850" must="V,M" may="P" vendor-id="10415">
      <data type="Grouped"/>
    </avp>

    <avp name="Application-Server" code="836" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="Application-Provided-Called-Party-Address" code="837" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="Inter-Operator-Identifier" code="838" must="V,M" may="P" vendor-id="10415">
      <data type="Grouped"/>
    </avp>

    <avp name="Originating-IOI" code="839" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="Terminating-IOI" code="840" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="IMS-Charging-Identifier" code="841" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="SDP-Session-Description" code="842" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="SDP-Media-Component" code="843" must="V,M" may="P" vendor-id="10415">
      <data type="Grouped"/>
    </avp>

    <avp name="SDP-Media-Name" code="844" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="SDP-Media-Description" code="845" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="SDP-Type" code="2036" must="V,M" may="P" vendor-id="10415">
      <data type="Enumerated">
        <item code="0" name="SDP_OFFER"/>
        <item code="1" name="SDP_ANSWER"/>
      </data>
    </avp>

    <avp name="Media-Initiator-Flag" code="882" must="V,M" may="P" vendor-id="10415">
      <data type="Enumerated">
        <item code="0" name="CALLED_PARTY"/>
        <item code="1" name="CALLING_PARTY"/>
        <item code="2" name="UNKNOWN"/>
      </data>
    </avp>

    <avp name="Server-Capabilities" code="603" must="V,M" may="P" vendor-id="10415">
      <data type="Grouped"/>
    </avp>

    <avp name="Cause-Code" code="861" must="V,M" may="P" vendor-id="10415">
      <data type="Integer32"/>
    </avp>

    <avp name="Charged-Party" code="857" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="Originator" code="864" must="V,M" may="P" vendor-id="10415">
      <data type="Enumerated">
        <item code="0" name="CALLING_PARTY"/>
        <item code="1" name="CALLED_PARTY"/>
      </data>
    </avp>

    <avp name="Session-Priority" code="650" must="V,M" may="P" vendor-id="10415">
      <data type="Enumerated">
        <item code="0" name="PRIORITY-0"/>
        <item code="1" name="PRIORITY-1"/>
        <item code="2" name="PRIORITY-2"/>
        <item code="3" name="PRIORITY-3"/>
        <item code="4" name="PRIORITY-4"/>
      </data>
    </avp>

    <avp name="Instance-Id" code="3402" must="V,M" may="P" vendor-id="10415">
      <data type="UTF8String"/>
    </avp>

    <avp name="Access-Network-Information" code="1263" must="V,M" may="P" vendor-id="10415">
      <data type="OctetString"/>
    </avp>
  </application>
</diameter>`

var loadDictOnce sync.Once

// Dictionary returns the parser holding the base protocol plus the Rf
// application, loading the Rf additions on first use.
func Dictionary() *dict.Parser {
	loadDictOnce.Do(func() {
		if err := dict.Default.Load(bytes.NewReader([]byte(rfDictionaryXML))); err != nil {
			panic("rf: loading dictionary: " + err.Error())
		}
	})
	return dict.Default
}
