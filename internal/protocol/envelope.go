package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is one decoded frame. Body keeps the complete JSON object, msgid included,
// so handlers decode the type-specific fields lazily.
type Envelope struct {
	Type MsgType
	Body json.RawMessage
}

// Decode unmarshals the envelope body into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}

// Header is embedded by every outgoing message so the msgid is always serialized.
type Header struct {
	MsgID MsgType `json:"msgid"`
}

func (h *Header) setType(t MsgType) {
	h.MsgID = t
}

type typedMessage interface {
	setType(MsgType)
}

// NewEnvelope stamps t onto msg and encodes it.
func NewEnvelope(t MsgType, msg typedMessage) (*Envelope, error) {
	msg.setType(t)
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return &Envelope{Type: t, Body: body}, nil
}

// Codec converts frames to envelopes and back. Frames are single JSON objects.
type Codec struct{}

func (Codec) Decode(frame []byte) (*Envelope, error) {
	var header struct {
		MsgID *MsgType `json:"msgid"`
	}
	if err := json.Unmarshal(frame, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if header.MsgID == nil {
		return nil, fmt.Errorf("%w: missing msgid", ErrMalformedEnvelope)
	}
	body := make(json.RawMessage, len(frame))
	copy(body, frame)
	return &Envelope{Type: *header.MsgID, Body: body}, nil
}

func (Codec) Encode(env *Envelope) []byte {
	return env.Body
}
