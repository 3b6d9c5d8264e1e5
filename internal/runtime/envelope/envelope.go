// Package envelope defines the broker-agnostic wrapper around every message
// published on the bus, and its mapping onto Watermill messages.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/bookinggate/internal/runtime/ids"
)

// Transport header keys. Event type and origin service are duplicated into
// headers so consumers can filter without decoding the body.
const (
	HeaderEventType     = "event_type"
	HeaderService       = "service"
	HeaderEventID       = "event_id"
	HeaderCorrelationID = middleware.CorrelationIDMetadataKey
	HeaderReplyTo       = "reply_to"
	HeaderReplyError    = "reply_error"
)

// Envelope is the wire shape of every bus message.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	Service   string          `json:"service"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a fresh event id, encoding payload as JSON.
// A json.RawMessage or []byte payload is embedded as-is.
func New(eventType, service string, payload any) (Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload for %s: %w", eventType, err)
	}
	return Envelope{
		EventID:   ids.NewEventID(),
		EventType: eventType,
		Service:   service,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// NewProto builds an envelope whose payload is the protojson encoding of msg.
func NewProto(eventType, service string, msg proto.Message) (Envelope, error) {
	if msg == nil {
		return New(eventType, service, nil)
	}
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode proto payload for %s: %w", eventType, err)
	}
	return New(eventType, service, json.RawMessage(raw))
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return Marshal(p)
	}
}

// Validate reports whether the envelope carries the mandatory fields.
func (e Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("envelope: event id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("envelope %s: event type is required", e.EventID)
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s: empty payload", e.EventID)
	}
	return Unmarshal(e.Payload, v)
}

// DecodeProto unmarshals a protojson payload into msg.
func DecodeProto(e Envelope, msg proto.Message) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s: empty payload", e.EventID)
	}
	return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(e.Payload, msg)
}

// ToMessage converts the envelope into a Watermill message. The message uuid
// is the event id so keyed brokers partition on it.
func ToMessage(e Envelope, headers Headers) (*message.Message, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	body, err := Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", e.EventID, err)
	}

	msg := message.NewMessage(e.EventID, body)
	for k, v := range headers {
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set(HeaderEventID, e.EventID)
	msg.Metadata.Set(HeaderEventType, e.EventType)
	msg.Metadata.Set(HeaderService, e.Service)
	return msg, nil
}

// FromMessage decodes a Watermill message back into an envelope and its
// headers. Body fields win over headers when both are present.
func FromMessage(msg *message.Message) (Envelope, Headers, error) {
	if msg == nil {
		return Envelope{}, nil, fmt.Errorf("envelope: nil message")
	}
	var e Envelope
	if err := Unmarshal(msg.Payload, &e); err != nil {
		return Envelope{}, nil, fmt.Errorf("decode envelope %s: %w", msg.UUID, err)
	}

	headers := HeadersFromMessage(msg)
	if e.EventID == "" {
		e.EventID = firstNonEmpty(headers[HeaderEventID], msg.UUID)
	}
	if e.EventType == "" {
		e.EventType = headers[HeaderEventType]
	}
	if e.Service == "" {
		e.Service = headers[HeaderService]
	}
	return e, headers, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
