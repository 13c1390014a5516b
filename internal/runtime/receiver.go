package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/servicebus/internal/runtime/config"
	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	loggingpkg "github.com/drblury/servicebus/internal/runtime/logging"
	metadatapkg "github.com/drblury/servicebus/internal/runtime/metadata"
	"github.com/drblury/servicebus/transport"
)

// TransportMessage is a message as delivered by a receiver adapter.
type TransportMessage struct {
	ID      string
	Payload []byte
	Headers metadatapkg.Metadata
}

// OnMessage processes one delivered message. A non-nil error asks the adapter
// to negatively acknowledge it.
type OnMessage func(ctx context.Context, msg TransportMessage) error

// Closer stops delivery and releases the adapter's resources.
type Closer interface {
	Close(ctx context.Context) error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func(ctx context.Context) error

func (f CloserFunc) Close(ctx context.Context) error { return f(ctx) }

// Pauser is implemented by closers that can stop taking new messages from the
// transport while deliveries already handed out finish. Stop pauses the
// receiver before it drains.
type Pauser interface {
	Pause()
}

// DiagnosticFunc receives transport errors that did not stop the receive loop.
type DiagnosticFunc func(endpoint string, err error)

// ReceiverAdapter connects a unit to a concrete transport.
type ReceiverAdapter interface {
	// Start begins delivering messages for the endpoint to onMessage. Delivery
	// continues until the returned Closer is closed.
	Start(ctx context.Context, cfg configpkg.EndpointConfiguration, onMessage OnMessage) (Closer, error)
	// Send transmits env to dest and returns once the transport accepted it.
	Send(ctx context.Context, dest Destination, env *Envelope) error
}

// WatermillReceiver is the ReceiverAdapter used by the Broker. It subscribes
// to the endpoint queue and to every subscribed destination on a Watermill
// transport, and publishes outgoing envelopes to the destination topic.
type WatermillReceiver struct {
	transport    transport.Transport
	logger       loggingpkg.ServiceLogger
	onDiagnostic DiagnosticFunc
}

// ReceiverOption customises a WatermillReceiver.
type ReceiverOption func(*WatermillReceiver)

// WithDiagnostics registers a callback for transport errors.
func WithDiagnostics(fn DiagnosticFunc) ReceiverOption {
	return func(r *WatermillReceiver) { r.onDiagnostic = fn }
}

// NewWatermillReceiver wraps a transport. The transport stays owned by the
// caller; only per-endpoint subscribers created by SubscriberFor are closed by
// the receiver.
func NewWatermillReceiver(t transport.Transport, log loggingpkg.ServiceLogger, opts ...ReceiverOption) *WatermillReceiver {
	if log == nil {
		log = loggingpkg.NewNopServiceLogger()
	}
	r := &WatermillReceiver{transport: t, logger: log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *WatermillReceiver) Send(ctx context.Context, dest Destination, env *Envelope) error {
	if r.transport.Publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	msg := message.NewMessage(env.ID, env.Payload)
	msg.Metadata = metadatapkg.ToWatermill(env.Headers)
	msg.SetContext(ctx)
	return r.transport.Publisher.Publish(string(dest), msg)
}

func (r *WatermillReceiver) Start(ctx context.Context, cfg configpkg.EndpointConfiguration, onMessage OnMessage) (Closer, error) {
	endpoint := cfg.EndpointName()
	subscriber, owned, err := r.subscriberFor(endpoint)
	if err != nil {
		return nil, err
	}

	// Delivery lives until Close, not until the caller's start context ends.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pumpCtx, pause := context.WithCancel(runCtx)
	h := &watermillHandle{
		cancel:     cancel,
		pause:      pause,
		subscriber: subscriber,
		owned:      owned,
	}

	for _, topic := range receiveTopics(cfg) {
		messages, err := subscriber.Subscribe(runCtx, topic)
		if err != nil {
			closeErr := h.Close(ctx)
			return nil, errors.Join(fmt.Errorf("subscribe %s to %q: %w", endpoint, topic, err), closeErr)
		}
		r.logger.Debug("Subscribed", loggingpkg.LogFields{"endpoint": endpoint, "topic": topic})
		h.pumps.Add(1)
		go r.pump(pumpCtx, runCtx, h, endpoint, topic, messages, onMessage)
	}

	return h, nil
}

func (r *WatermillReceiver) subscriberFor(endpoint string) (message.Subscriber, bool, error) {
	if r.transport.SubscriberFor != nil {
		sub, err := r.transport.SubscriberFor(endpoint)
		if err != nil {
			return nil, false, fmt.Errorf("create subscriber for %s: %w", endpoint, err)
		}
		return sub, true, nil
	}
	if r.transport.Subscriber == nil {
		return nil, false, errspkg.ErrSubscriberRequired
	}
	return r.transport.Subscriber, false, nil
}

// receiveTopics is the endpoint queue followed by its subscriptions, without
// duplicates, so a destination named after the endpoint is consumed once.
func receiveTopics(cfg configpkg.EndpointConfiguration) []string {
	seen := make(map[string]struct{})
	var topics []string
	for _, topic := range append([]string{cfg.EndpointQueue()}, cfg.Subscriptions()...) {
		if topic == "" {
			continue
		}
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics
}

// pump reads messages until ctx ends. Deliveries run with runCtx, which
// outlives a pause.
func (r *WatermillReceiver) pump(ctx, runCtx context.Context, h *watermillHandle, endpoint, topic string, messages <-chan *message.Message, onMessage OnMessage) {
	defer h.pumps.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() == nil {
					r.diagnose(endpoint, fmt.Errorf("subscription to %q closed unexpectedly", topic))
				}
				return
			}
			h.deliveries.Add(1)
			go func() {
				defer h.deliveries.Done()
				r.deliver(runCtx, endpoint, msg, onMessage)
			}()
		}
	}
}

func (r *WatermillReceiver) deliver(ctx context.Context, endpoint string, msg *message.Message, onMessage OnMessage) {
	err := onMessage(ctx, TransportMessage{
		ID:      msg.UUID,
		Payload: msg.Payload,
		Headers: metadatapkg.FromWatermill(msg.Metadata),
	})
	if err != nil {
		r.logger.Debug("Message rejected", loggingpkg.LogFields{
			"endpoint":   endpoint,
			"message_id": msg.UUID,
			"error":      err.Error(),
		})
		msg.Nack()
		return
	}
	msg.Ack()
}

func (r *WatermillReceiver) diagnose(endpoint string, err error) {
	r.logger.Info("Transport error on endpoint", loggingpkg.LogFields{
		"endpoint": endpoint,
		"error":    err.Error(),
	})
	if r.onDiagnostic != nil {
		r.onDiagnostic(endpoint, err)
	}
}

type watermillHandle struct {
	once       sync.Once
	cancel     context.CancelFunc
	pause      context.CancelFunc
	subscriber message.Subscriber
	owned      bool
	pumps      sync.WaitGroup
	deliveries sync.WaitGroup
	err        error
}

// Pause stops the pumps. Subscriptions and running deliveries stay open
// until Close.
func (h *watermillHandle) Pause() {
	h.pause()
}

func (h *watermillHandle) Close(ctx context.Context) error {
	h.once.Do(func() {
		h.cancel()
		if h.owned {
			h.err = h.subscriber.Close()
		}
	})

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		h.deliveries.Wait()
		close(done)
	}()

	select {
	case <-done:
		return h.err
	case <-ctx.Done():
		return errors.Join(h.err, fmt.Errorf("close receiver: %w", ctx.Err()))
	}
}
