package runtime

import (
	"context"

	metadatapkg "github.com/drblury/servicebus/internal/runtime/metadata"
)

// HandlerContext is what a handler sees of the message it is processing and
// the unit that received it. Each handler gets its own header snapshot.
type HandlerContext struct {
	unit        *MessageUnit
	messageID   string
	messageType MessageType
	headers     metadatapkg.Metadata
}

func newHandlerContext(unit *MessageUnit, env *Envelope) HandlerContext {
	return HandlerContext{
		unit:        unit,
		messageID:   env.ID,
		messageType: env.Type,
		headers:     env.Headers.Clone(),
	}
}

// Headers returns this handler's header snapshot. Writes stay local to the
// handler.
func (c HandlerContext) Headers() metadatapkg.Metadata { return c.headers }

// Header returns a single header value.
func (c HandlerContext) Header(key string) string { return c.headers.Get(key) }

func (c HandlerContext) MessageID() string { return c.messageID }

func (c HandlerContext) MessageType() MessageType { return c.messageType }

func (c HandlerContext) CorrelationID() string {
	return c.headers.Get(metadatapkg.KeyCorrelationID)
}

// Endpoint returns the name of the receiving unit.
func (c HandlerContext) Endpoint() string {
	if c.unit == nil {
		return ""
	}
	return c.unit.Name()
}

// Publish publishes a follow-up message through the receiving unit. The
// current correlation id is carried over unless opts sets one.
func (c HandlerContext) Publish(ctx context.Context, msg any, opts PublishOptions) error {
	if c.unit == nil {
		return errNoUnit
	}
	opts.Headers = c.followUpHeaders(opts.Headers)
	return c.unit.Publish(ctx, msg, opts)
}

// Send sends a follow-up message through the receiving unit.
func (c HandlerContext) Send(ctx context.Context, msg any, opts SendOptions) error {
	if c.unit == nil {
		return errNoUnit
	}
	opts.Headers = c.followUpHeaders(opts.Headers)
	return c.unit.Send(ctx, msg, opts)
}

func (c HandlerContext) followUpHeaders(headers metadatapkg.Metadata) metadatapkg.Metadata {
	out := headers.Clone()
	if id := c.CorrelationID(); id != "" {
		out.SetDefault(metadatapkg.KeyCorrelationID, id)
	}
	return out
}
