package sessionstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// SerializerDeserializer converts sessions to and from their stored form.
// Deserializers are tried in registered order when reading, so a cluster can
// be upgraded between formats one node at a time; writes always use the one
// configured serializer.
type SerializerDeserializer interface {
	Serialize(*Session) ([]byte, error)
	Deserialize([]byte) (*Session, error)
	Name() string
}

// jsonSession is the stored JSON schema.
type jsonSession struct {
	SessionID       string   `json:"session_id"`
	CCFs            []string `json:"ccfs"`
	AcctRecordNum   uint32   `json:"acct_record_num"`
	TimerID         string   `json:"timer_id"`
	RefreshTime     uint32   `json:"refresh_time"`
	InterimInterval uint32   `json:"interim_interval"`
}

// JSONSerializer is the default session format.
type JSONSerializer struct{}

func (JSONSerializer) Name() string { return "json" }

func (JSONSerializer) Serialize(s *Session) ([]byte, error) {
	ccfs := s.CCFs
	if ccfs == nil {
		ccfs = []string{}
	}
	return json.Marshal(jsonSession{
		SessionID:       s.SessionID,
		CCFs:            ccfs,
		AcctRecordNum:   s.AcctRecordNumber,
		TimerID:         s.TimerID,
		RefreshTime:     s.SessionRefreshTime,
		InterimInterval: s.InterimInterval,
	})
}

func (JSONSerializer) Deserialize(data []byte) (*Session, error) {
	// Every field is required; pointers detect absence so that a JSON
	// document of some other shape is not mistaken for a session.
	var js struct {
		SessionID       *string   `json:"session_id"`
		CCFs            *[]string `json:"ccfs"`
		AcctRecordNum   *uint32   `json:"acct_record_num"`
		TimerID         *string   `json:"timer_id"`
		RefreshTime     *uint32   `json:"refresh_time"`
		InterimInterval *uint32   `json:"interim_interval"`
	}

	if err := json.Unmarshal(data, &js); err != nil {
		return nil, fmt.Errorf("decode session JSON: %w", err)
	}
	if js.SessionID == nil || js.CCFs == nil || js.AcctRecordNum == nil ||
		js.TimerID == nil || js.RefreshTime == nil || js.InterimInterval == nil {
		return nil, fmt.Errorf("session JSON missing required fields")
	}

	return &Session{
		SessionID:          *js.SessionID,
		CCFs:               *js.CCFs,
		AcctRecordNumber:   *js.AcctRecordNum,
		TimerID:            *js.TimerID,
		SessionRefreshTime: *js.RefreshTime,
		InterimInterval:    *js.InterimInterval,
	}, nil
}

// BinarySerializer is the legacy record layout: NUL-terminated strings with a
// little-endian count before the CCF list and little-endian 32-bit numbers.
// It is kept in the deserialization chain so records written before the JSON
// cutover remain readable.
type BinarySerializer struct{}

func (BinarySerializer) Name() string { return "binary" }

func (BinarySerializer) Serialize(s *Session) ([]byte, error) {
	var buf bytes.Buffer

	writeCString(&buf, s.SessionID)

	if err := binary.Write(&buf, binary.LittleEndian, int32(len(s.CCFs))); err != nil {
		return nil, err
	}
	for _, ccf := range s.CCFs {
		writeCString(&buf, ccf)
	}

	if err := binary.Write(&buf, binary.LittleEndian, s.AcctRecordNumber); err != nil {
		return nil, err
	}

	writeCString(&buf, s.TimerID)

	if err := binary.Write(&buf, binary.LittleEndian, s.SessionRefreshTime); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, s.InterimInterval); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (BinarySerializer) Deserialize(data []byte) (*Session, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	s := &Session{}

	var err error
	if s.SessionID, err = readCString(r); err != nil {
		return nil, err
	}

	var numCCFs int32
	if err := binary.Read(r, binary.LittleEndian, &numCCFs); err != nil {
		return nil, fmt.Errorf("read ccf count: %w", err)
	}
	if numCCFs < 0 || numCCFs > 1024 {
		return nil, fmt.Errorf("implausible ccf count %d", numCCFs)
	}
	for i := int32(0); i < numCCFs; i++ {
		ccf, err := readCString(r)
		if err != nil {
			return nil, err
		}
		s.CCFs = append(s.CCFs, ccf)
	}

	if err := binary.Read(r, binary.LittleEndian, &s.AcctRecordNumber); err != nil {
		return nil, fmt.Errorf("read record number: %w", err)
	}

	if s.TimerID, err = readCString(r); err != nil {
		return nil, err
	}

	if err := binary.Read(r, binary.LittleEndian, &s.SessionRefreshTime); err != nil {
		return nil, fmt.Errorf("read refresh time: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &s.InterimInterval); err != nil {
		return nil, fmt.Errorf("read interim interval: %w", err)
	}

	return s, nil
}

func writeCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

func readCString(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0)
	if err != nil {
		return "", fmt.Errorf("read string: %w", err)
	}
	return s[:len(s)-1], nil
}
