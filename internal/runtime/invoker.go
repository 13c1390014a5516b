package runtime

import (
	"context"
	"fmt"

	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	loggingpkg "github.com/drblury/servicebus/internal/runtime/logging"
)

var errNoUnit = fmt.Errorf("%w: handler context is detached", errspkg.ErrUnitRequired)

// dispatch is the inbound terminal step: resolve handlers, decode the payload
// once, then run every handler in registry order. The first failure stops the
// loop and fails the message.
func (u *MessageUnit) dispatch(ctx context.Context, env *Envelope) error {
	if env.Type == "" {
		return fmt.Errorf("%w: message %s", errspkg.ErrUnknownMessageType, env.ID)
	}

	var descriptors []HandlerDescriptor
	if u.registry != nil {
		descriptors = u.registry.GetHandlers(env.Type)
	}
	if len(descriptors) == 0 {
		u.logger.Debug("No handlers for message type", loggingpkg.LogFields{
			"message_id":   env.ID,
			"message_type": env.Type,
		})
		return nil
	}

	if env.Body == nil {
		body, err := u.decode(descriptors[0], env)
		if err != nil {
			return err
		}
		env.Body = body
	}

	return invokeHandlers(ctx, u, env, descriptors)
}

func (u *MessageUnit) decode(d HandlerDescriptor, env *Envelope) (any, error) {
	if d.newMessage == nil {
		return nil, fmt.Errorf("servicebus: handler %s cannot decode %s", d.Name, env.Type)
	}
	target := d.newMessage()
	if err := u.codec.Unmarshal(env.Payload, target); err != nil {
		return nil, &errspkg.HandlerError{
			Handler:     d.Name,
			MessageType: string(env.Type),
			MessageID:   env.ID,
			Err:         &UnprocessableMessageError{Payload: env.Payload, Err: err},
		}
	}
	return target, nil
}

func invokeHandlers(ctx context.Context, u *MessageUnit, env *Envelope, descriptors []HandlerDescriptor) error {
	for _, d := range descriptors {
		if d.invoke == nil {
			continue
		}
		hc := newHandlerContext(u, env)
		if err := d.invoke(ctx, env.Body, hc).wait(ctx); err != nil {
			return &errspkg.HandlerError{
				Handler:     d.Name,
				MessageType: string(env.Type),
				MessageID:   env.ID,
				Err:         err,
			}
		}
	}
	return nil
}
