// Package protocol implements the versioned wire envelope exchanged over the
// room WebSocket. Every frame is a JSON object {type, requestId, payload};
// unknown fields are ignored for forward compatibility.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

const maxTypeLength = 64

// typePattern matches "entity.action.vN".
var typePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*\.v[0-9]+$`)

var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrInvalidType    = errors.New("protocol: invalid message type")
)

// Envelope is the wire frame. RequestID is client-originated on requests and
// echoed by the server; the server originates its own for unsolicited
// broadcasts.
// EventID is set on server broadcasts so clients can track replay position;
// it is absent on client frames and direct replies.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	EventID   *uint64         `json:"eventId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a frame and validates its type string.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := ValidateType(env.Type); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// ValidateType checks the "entity.action.vN" shape and the length bound.
func ValidateType(t string) error {
	if t == "" || len(t) > maxTypeLength {
		return fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	if !typePattern.MatchString(t) {
		return fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	return nil
}

// Encode marshals a frame. It never panics: a payload that cannot be
// serialized is reported as an error for the caller to map to code 4999.
func Encode(msgType, requestID string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s payload: %w", msgType, err)
		}
		raw = data
	}
	data, err := json.Marshal(Envelope{Type: msgType, RequestID: requestID, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s frame: %w", msgType, err)
	}
	return data, nil
}

// EncodeEvent marshals a server broadcast carrying its per-room event id.
func EncodeEvent(msgType, requestID string, eventID uint64, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s payload: %w", msgType, err)
		}
		raw = data
	}
	data, err := json.Marshal(Envelope{Type: msgType, RequestID: requestID, EventID: &eventID, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s frame: %w", msgType, err)
	}
	return data, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}
