package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	codecpkg "github.com/drblury/servicebus/internal/runtime/codec"
	configpkg "github.com/drblury/servicebus/internal/runtime/config"
	loggingpkg "github.com/drblury/servicebus/internal/runtime/logging"
	metadatapkg "github.com/drblury/servicebus/internal/runtime/metadata"
)

type orderPlaced struct {
	ID     string `json:"id"`
	Amount int    `json:"amount"`
}

type orderShipped struct {
	ID string `json:"id"`
}

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger keeps every entry, including those of derived loggers.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	fields  loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, entries: l.entries, fields: merged}
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
}

func (l *recordingLogger) Entries() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logEntry(nil), *l.entries...)
}

func (l *recordingLogger) Messages() []string {
	var msgs []string
	for _, e := range l.Entries() {
		msgs = append(msgs, e.msg)
	}
	return msgs
}

type sentEnvelope struct {
	dest    Destination
	id      string
	msgType MessageType
	payload []byte
	headers metadatapkg.Metadata
}

// fakeReceiver is an in-process ReceiverAdapter. Tests deliver messages with
// deliver and inspect what units sent.
type fakeReceiver struct {
	mu       sync.Mutex
	startErr map[string]error
	sendErr  error
	closeErr map[string]error
	started  []configpkg.EndpointConfiguration
	handlers map[string]OnMessage
	sent     []sentEnvelope
	closed   []string
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{
		startErr: make(map[string]error),
		closeErr: make(map[string]error),
		handlers: make(map[string]OnMessage),
	}
}

func (r *fakeReceiver) Start(ctx context.Context, cfg configpkg.EndpointConfiguration, onMessage OnMessage) (Closer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	endpoint := cfg.EndpointName()
	if err := r.startErr[endpoint]; err != nil {
		return nil, err
	}
	r.started = append(r.started, cfg)
	r.handlers[endpoint] = onMessage
	return CloserFunc(func(ctx context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.closed = append(r.closed, endpoint)
		delete(r.handlers, endpoint)
		return r.closeErr[endpoint]
	}), nil
}

func (r *fakeReceiver) Send(ctx context.Context, dest Destination, env *Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, sentEnvelope{
		dest:    dest,
		id:      env.ID,
		msgType: env.Type,
		payload: append([]byte(nil), env.Payload...),
		headers: env.Headers.Clone(),
	})
	return nil
}

func (r *fakeReceiver) deliver(ctx context.Context, endpoint string, msg TransportMessage) error {
	r.mu.Lock()
	onMessage, ok := r.handlers[endpoint]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("endpoint %s is not receiving", endpoint)
	}
	return onMessage(ctx, msg)
}

// deliverSent hands the i-th sent envelope to endpoint, as a transport would.
func (r *fakeReceiver) deliverSent(ctx context.Context, endpoint string, i int) error {
	r.mu.Lock()
	env := r.sent[i]
	r.mu.Unlock()
	return r.deliver(ctx, endpoint, TransportMessage{ID: env.id, Payload: env.payload, Headers: env.headers})
}

func (r *fakeReceiver) Sent() []sentEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentEnvelope(nil), r.sent...)
}

func (r *fakeReceiver) Started() []configpkg.EndpointConfiguration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]configpkg.EndpointConfiguration(nil), r.started...)
}

func (r *fakeReceiver) Closed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closed...)
}

func endpointConfig(name string, concurrency int) configpkg.EndpointConfiguration {
	return configpkg.NewEndpointConfiguration().Endpoint(name).Concurrency(concurrency)
}

func newTestUnit(t *testing.T, name string, receiver ReceiverAdapter, registry HandlerRegistry) *MessageUnit {
	t.Helper()
	deps := UnitDependencies{Registry: registry, Logger: newTestLogger()}
	if receiver != nil {
		deps.Receiver = receiver
	}
	unit, err := NewMessageUnit(endpointConfig(name, 1), deps)
	require.NoError(t, err)
	return unit
}

func typedMessage(t *testing.T, v any) TransportMessage {
	t.Helper()
	payload, err := codecpkg.JSON{}.Marshal(v)
	require.NoError(t, err)
	return TransportMessage{
		ID:      "01JTESTMESSAGE",
		Payload: payload,
		Headers: metadatapkg.New(metadatapkg.KeyMessageType, string(TypeOf(v))),
	}
}
