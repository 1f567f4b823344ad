package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped into every typed payload.
const SchemaVersion = 1

const (
	TypeDiscover         = "DISCOVER"
	TypeDiscoverResponse = "DISCOVER_RESPONSE"
	TypeGoodbye          = "GOODBYE"
	TypeTransferRequest  = "TRANSFER_REQUEST"
	TypeTransferAccept   = "TRANSFER_ACCEPT"
	TypeTransferReject   = "TRANSFER_REJECT"
	TypeFileInfo         = "FILE_INFO"
	TypeFileReady        = "FILE_READY"
	TypeComplete         = "COMPLETE"
	TypeCompleteAck      = "COMPLETE_ACK"
	TypePause            = "PAUSE"
	TypeResume           = "RESUME"
	TypeCancel           = "CANCEL"
	TypeError            = "ERROR"
)

var (
	// ErrDecode marks a payload that could not be decoded. Receivers drop the
	// message and keep going.
	ErrDecode = errors.New("protocol: malformed message")
	// ErrMissingType indicates an envelope without a type tag.
	ErrMissingType = errors.New("protocol: message type is missing")
)

// Message is the self-describing envelope shared by every control message.
// Payload numbers are kept as json.Number so 64-bit sizes and offsets survive
// until Bind.
type Message struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Timestamp float64        `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// NewMessage builds an envelope with a fresh id and timestamp. payload may be
// a map or any JSON-marshalable struct.
func NewMessage(msgType string, payload any) (Message, error) {
	if msgType == "" {
		return Message{}, ErrMissingType
	}

	fields, err := toMap(payload)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Type:      msgType,
		ID:        NewMessageID(),
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Payload:   fields,
	}, nil
}

// Encode builds a message and serializes it in one step.
func Encode(msgType string, payload any) ([]byte, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return msg.Marshal()
}

// Marshal serializes the envelope.
func (m Message) Marshal() ([]byte, error) {
	if m.Type == "" {
		return nil, ErrMissingType
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", m.Type, err)
	}
	return raw, nil
}

// Decode parses an envelope.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := decodeJSON(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, ErrMissingType)
	}
	if msg.Payload == nil {
		msg.Payload = map[string]any{}
	}
	return msg, nil
}

// Bind decodes the payload into a typed struct.
func (m Message) Bind(v any) error {
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrDecode, m.Type, err)
	}
	return nil
}

// Time returns the envelope timestamp.
func (m Message) Time() time.Time {
	sec := int64(m.Timestamp)
	nsec := int64((m.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// NewMessageID returns a 16 character random identifier.
func NewMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func toMap(payload any) (map[string]any, error) {
	switch v := payload.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	out := map[string]any{}
	if err := decodeJSON(raw, &out); err != nil {
		return nil, fmt.Errorf("payload must encode as an object: %w", err)
	}
	return out, nil
}

func decodeJSON(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after message")
	}
	return nil
}
