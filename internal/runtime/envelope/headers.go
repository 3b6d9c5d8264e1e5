package envelope

import "github.com/ThreeDotsLabs/watermill/message"

// Headers are the transport metadata carried alongside an envelope.
type Headers map[string]string

// Clone returns a shallow copy; the result is never nil.
func (h Headers) Clone() Headers {
	cloned := make(Headers, len(h))
	for k, v := range h {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy of h with key set to value.
func (h Headers) With(key, value string) Headers {
	cloned := h.Clone()
	cloned[key] = value
	return cloned
}

// CorrelationID returns the correlation id header, if any.
func (h Headers) CorrelationID() string { return h[HeaderCorrelationID] }

// ReplyTo returns the reply channel header, if any.
func (h Headers) ReplyTo() string { return h[HeaderReplyTo] }

// HeadersFromMessage copies the metadata of msg.
func HeadersFromMessage(msg *message.Message) Headers {
	headers := make(Headers, len(msg.Metadata))
	for k, v := range msg.Metadata {
		headers[k] = v
	}
	return headers
}
