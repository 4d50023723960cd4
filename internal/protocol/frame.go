package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	nostr "github.com/nbd-wtf/go-nostr"
)

// Frame type labels.
const (
	TypeEvent  = "EVENT"
	TypeReq    = "REQ"
	TypeClose  = "CLOSE"
	TypeClosed = "CLOSED"
	TypeEOSE   = "EOSE"
	TypeOK     = "OK"
	TypeNotice = "NOTICE"
	TypeAuth   = "AUTH"
	TypeCount  = "COUNT"
)

var (
	ErrMalformedFrame = fmt.Errorf("malformed frame")
	ErrUnknownFrame   = fmt.Errorf("unknown frame type")
)

// Frame is a decoded relay to client message.
type Frame struct {
	Type string
	// SubID is the request id for EVENT, EOSE, COUNT and CLOSED.
	SubID string
	Event *nostr.Event
	// EventID, OK and Message carry OK results.
	EventID string
	OK      bool
	// Message is the NOTICE text, the AUTH challenge or the OK/CLOSED reason.
	Message string
	Count   int64
}

// ParseFrame decodes one inbound frame.
func ParseFrame(data []byte) (*Frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(raw) < 2 {
		return nil, ErrMalformedFrame
	}
	f := &Frame{}
	if err := json.Unmarshal(raw[0], &f.Type); err != nil {
		return nil, ErrMalformedFrame
	}

	str := func(i int) (string, error) {
		var s string
		if i >= len(raw) {
			return "", ErrMalformedFrame
		}
		if err := json.Unmarshal(raw[i], &s); err != nil {
			return "", ErrMalformedFrame
		}
		return s, nil
	}

	var err error
	switch f.Type {
	case TypeEvent:
		if len(raw) < 3 {
			return nil, ErrMalformedFrame
		}
		if f.SubID, err = str(1); err != nil {
			return nil, err
		}
		var evt nostr.Event
		if err := json.Unmarshal(raw[2], &evt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		f.Event = &evt
	case TypeEOSE:
		if f.SubID, err = str(1); err != nil {
			return nil, err
		}
	case TypeOK:
		if len(raw) < 3 {
			return nil, ErrMalformedFrame
		}
		if f.EventID, err = str(1); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw[2], &f.OK); err != nil {
			return nil, ErrMalformedFrame
		}
		if len(raw) > 3 {
			f.Message, _ = str(3)
		}
	case TypeNotice, TypeAuth:
		if f.Message, err = str(1); err != nil {
			return nil, err
		}
	case TypeCount:
		if len(raw) < 3 {
			return nil, ErrMalformedFrame
		}
		if f.SubID, err = str(1); err != nil {
			return nil, err
		}
		var body struct {
			Count int64 `json:"count"`
		}
		if err := json.Unmarshal(raw[2], &body); err != nil {
			return nil, ErrMalformedFrame
		}
		f.Count = body.Count
	case TypeClosed:
		if f.SubID, err = str(1); err != nil {
			return nil, err
		}
		if len(raw) > 2 {
			f.Message, _ = str(2)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
	return f, nil
}

// EncodeReq builds ["REQ", id, filter...].
func EncodeReq(id string, filters nostr.Filters) ([]byte, error) {
	return encodeWithFilters(TypeReq, id, filters)
}

// EncodeCount builds ["COUNT", id, filter...].
func EncodeCount(id string, filters nostr.Filters) ([]byte, error) {
	return encodeWithFilters(TypeCount, id, filters)
}

func encodeWithFilters(label, id string, filters nostr.Filters) ([]byte, error) {
	msg := make([]interface{}, 0, len(filters)+2)
	msg = append(msg, label, id)
	for i := range filters {
		msg = append(msg, &filters[i])
	}
	return json.Marshal(msg)
}

// EncodeClose builds ["CLOSE", id].
func EncodeClose(id string) ([]byte, error) {
	return json.Marshal([]interface{}{TypeClose, id})
}

// EncodeEvent builds ["EVENT", event].
func EncodeEvent(evt *nostr.Event) ([]byte, error) {
	return json.Marshal([]interface{}{TypeEvent, evt})
}

// EncodeAuth builds ["AUTH", event].
func EncodeAuth(evt *nostr.Event) ([]byte, error) {
	return json.Marshal([]interface{}{TypeAuth, evt})
}

// ValidShape checks the fixed-width hex fields of an event.
func ValidShape(evt *nostr.Event) bool {
	if evt == nil || evt.Kind < 0 {
		return false
	}
	return isHex(evt.ID, 64) && isHex(evt.PubKey, 64) && isHex(evt.Sig, 128)
}

func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
