package runtime

import (
	"time"

	metadatapkg "github.com/drblury/servicebus/internal/runtime/metadata"
)

// Destination names a logical address: a topic that publishes fan out to, or
// an endpoint queue that sends target.
type Destination string

// Topic returns the destination with the given name.
func Topic(name string) Destination {
	return Destination(name)
}

func (d Destination) String() string { return string(d) }

// MessageIntent distinguishes publishes from point-to-point sends.
type MessageIntent string

const (
	IntentPublish MessageIntent = "Publish"
	IntentSend    MessageIntent = "Send"
)

// Envelope is a message in flight through a pipeline. Headers stay mutable
// until dispatch completes; handlers only ever see their own snapshot.
type Envelope struct {
	ID          string
	Type        MessageType
	Intent      MessageIntent
	Body        any
	Payload     []byte
	Headers     metadatapkg.Metadata
	Destination Destination
	// Endpoint is the unit the envelope is travelling through.
	Endpoint string
}

// Header returns the header value or "".
func (e *Envelope) Header(key string) string {
	if e == nil {
		return ""
	}
	return e.Headers.Get(key)
}

// SetHeader writes a header, allocating the map on first use.
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = metadatapkg.Metadata{}
	}
	e.Headers[key] = value
}

// CorrelationID returns the correlation_id header.
func (e *Envelope) CorrelationID() string {
	return e.Header(metadatapkg.KeyCorrelationID)
}

// EnqueuedAt parses the enqueued_at header. The second return is false when
// the header is absent or malformed.
func (e *Envelope) EnqueuedAt() (time.Time, bool) {
	raw := e.Header(metadatapkg.KeyEnqueuedAt)
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func envelopeFromTransport(endpoint string, msg TransportMessage) *Envelope {
	headers := msg.Headers.Clone()
	id := msg.ID
	if id == "" {
		id = headers.Get(metadatapkg.KeyMessageID)
	}
	return &Envelope{
		ID:       id,
		Type:     MessageType(headers.Get(metadatapkg.KeyMessageType)),
		Intent:   MessageIntent(headers.Get(metadatapkg.KeyMessageIntent)),
		Payload:  msg.Payload,
		Headers:  headers,
		Endpoint: endpoint,
	}
}
