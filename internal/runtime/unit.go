package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	codecpkg "github.com/drblury/servicebus/internal/runtime/codec"
	configpkg "github.com/drblury/servicebus/internal/runtime/config"
	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	idspkg "github.com/drblury/servicebus/internal/runtime/ids"
	loggingpkg "github.com/drblury/servicebus/internal/runtime/logging"
	metadatapkg "github.com/drblury/servicebus/internal/runtime/metadata"
)

// UnitState is the lifecycle state of a MessageUnit.
type UnitState int32

const (
	UnitCreated UnitState = iota
	UnitStarting
	UnitRunning
	UnitStopping
	UnitStopped
)

func (s UnitState) String() string {
	switch s {
	case UnitCreated:
		return "Created"
	case UnitStarting:
		return "Starting"
	case UnitRunning:
		return "Running"
	case UnitStopping:
		return "Stopping"
	case UnitStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("UnitState(%d)", int32(s))
	}
}

// PublishOptions tune a single publish.
type PublishOptions struct {
	// Headers are copied onto the envelope before the outbound pipeline runs.
	Headers metadatapkg.Metadata
	// Destination presets the route. Routing behaviors may override it.
	Destination Destination
}

// SendOptions tune a single send.
type SendOptions struct {
	Headers     metadatapkg.Metadata
	Destination Destination
}

// UnitDependencies holds the optional collaborators of a MessageUnit. Leave
// fields nil to use the defaults.
type UnitDependencies struct {
	// Receiver connects the unit to a transport. Units registered with a
	// Broker get the broker's receiver when this is nil.
	Receiver ReceiverAdapter
	Registry HandlerRegistry
	Codec    codecpkg.Codec
	Logger   loggingpkg.ServiceLogger

	// Behaviors are appended after the default inbound chain.
	Behaviors []BehaviorRegistration
	// OutboundBehaviors are appended after the default outbound chain.
	OutboundBehaviors []BehaviorRegistration
	// DisableDefaultBehaviors skips both default chains when true.
	DisableDefaultBehaviors bool

	ErrorClassifier ErrorClassifier
}

// MessageUnit is one named endpoint: it sends and publishes through an
// outbound pipeline and processes received messages through an inbound
// pipeline, at most concurrency at a time.
type MessageUnit struct {
	mu       sync.Mutex
	cfg      configpkg.EndpointConfiguration
	state    UnitState
	receiver ReceiverAdapter
	closer   Closer
	registry HandlerRegistry
	codec    codecpkg.Codec
	logger   loggingpkg.ServiceLogger

	inboundRegs  []BehaviorRegistration
	outboundRegs []BehaviorRegistration
	inbound      Pipeline
	outbound     Pipeline
	built        bool

	gate      chan struct{}
	inFlight  sync.WaitGroup
	stopping   chan struct{}
	closing    chan struct{}
	stopped    chan struct{}
	startDone  chan struct{}
	stopActive bool
	stopErr    error

	stats           *unitStats
	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker
}

// NewMessageUnit validates cfg and returns a unit in the Created state.
func NewMessageUnit(cfg configpkg.EndpointConfiguration, deps UnitDependencies) (*MessageUnit, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := deps.Logger
	if log == nil {
		log = loggingpkg.NewNopServiceLogger()
	}

	u := &MessageUnit{
		cfg:             cfg,
		receiver:        deps.Receiver,
		registry:        deps.Registry,
		codec:           codecpkg.Default(deps.Codec),
		logger:          loggingpkg.ForEndpoint(log, cfg.EndpointName()),
		gate:            make(chan struct{}, cfg.MaxConcurrency()),
		stopping:        make(chan struct{}),
		closing:         make(chan struct{}),
		stopped:         make(chan struct{}),
		startDone:       make(chan struct{}),
		errorClassifier: deps.ErrorClassifier,
		resourceTracker: newResourceTracker(),
	}
	if u.errorClassifier == nil {
		u.errorClassifier = defaultErrorClassifier
	}
	u.stats = newUnitStats(cfg.EndpointName(), cfg.MaxConcurrency(), u.resourceTracker)

	if !deps.DisableDefaultBehaviors {
		u.inboundRegs = append(u.inboundRegs, DefaultBehaviors()...)
		u.outboundRegs = append(u.outboundRegs, DefaultOutboundBehaviors()...)
	}
	u.inboundRegs = append(u.inboundRegs, deps.Behaviors...)
	u.outboundRegs = append(u.outboundRegs, deps.OutboundBehaviors...)

	return u, nil
}

// Name returns the endpoint name.
func (u *MessageUnit) Name() string { return u.cfg.EndpointName() }

// Configuration returns the endpoint configuration, including subscriptions
// provisioned by a Broker.
func (u *MessageUnit) Configuration() configpkg.EndpointConfiguration {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cfg
}

// State returns the current lifecycle state.
func (u *MessageUnit) State() UnitState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Stats returns a snapshot of the unit's processing statistics.
func (u *MessageUnit) Stats() UnitStats {
	return u.stats.Snapshot()
}

// Use appends outbound behaviors. Pipelines are frozen by the first Start,
// Publish or Send; later calls fail.
func (u *MessageUnit) Use(behaviors ...Behavior) error {
	return u.addRegistrations(true, wrapBehaviors(behaviors)...)
}

// UseInbound appends inbound behaviors, after the defaults.
func (u *MessageUnit) UseInbound(behaviors ...Behavior) error {
	return u.addRegistrations(false, wrapBehaviors(behaviors)...)
}

// UseRegistration appends an inbound behavior registration.
func (u *MessageUnit) UseRegistration(reg BehaviorRegistration) error {
	return u.addRegistrations(false, reg)
}

// UseOutboundRegistration appends an outbound behavior registration.
func (u *MessageUnit) UseOutboundRegistration(reg BehaviorRegistration) error {
	return u.addRegistrations(true, reg)
}

// UseRegistry sets the handler registry.
func (u *MessageUnit) UseRegistry(registry HandlerRegistry) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != UnitCreated {
		return &errspkg.StateError{Endpoint: u.Name(), Operation: "set registry", State: u.state.String()}
	}
	u.registry = registry
	return nil
}

// UseReceiver attaches a receiver adapter.
func (u *MessageUnit) UseReceiver(receiver ReceiverAdapter) error {
	if receiver == nil {
		return errspkg.ErrNoReceiver
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != UnitCreated {
		return &errspkg.StateError{Endpoint: u.Name(), Operation: "set receiver", State: u.state.String()}
	}
	u.receiver = receiver
	return nil
}

// pipelinesBuilt reports whether a Start, Publish or Send froze the pipelines.
func (u *MessageUnit) pipelinesBuilt() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.built
}

func (u *MessageUnit) hasReceiver() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.receiver != nil
}

func (u *MessageUnit) addRegistrations(outbound bool, regs ...BehaviorRegistration) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.built || u.state != UnitCreated {
		return &errspkg.StateError{Endpoint: u.Name(), Operation: "add behaviors", State: u.state.String()}
	}
	if outbound {
		u.outboundRegs = append(u.outboundRegs, regs...)
	} else {
		u.inboundRegs = append(u.inboundRegs, regs...)
	}
	return nil
}

// subscribe binds destinations provisioned by a Broker.
func (u *MessageUnit) subscribe(destinations ...Destination) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != UnitCreated {
		return &errspkg.StateError{Endpoint: u.Name(), Operation: "subscribe", State: u.state.String()}
	}
	names := make([]string, 0, len(destinations))
	for _, d := range destinations {
		names = append(names, string(d))
	}
	u.cfg = u.cfg.Subscribe(names...)
	return nil
}

// buildLocked composes both pipelines exactly once. Caller holds u.mu.
func (u *MessageUnit) buildLocked() error {
	if u.built {
		return nil
	}
	inbound, err := u.resolve(u.inboundRegs)
	if err != nil {
		return err
	}
	outbound, err := u.resolve(u.outboundRegs)
	if err != nil {
		return err
	}
	u.inbound = NewPipeline(u.dispatch, inbound...)
	u.outbound = NewPipeline(u.transmit, outbound...)
	u.built = true
	return nil
}

func (u *MessageUnit) resolve(regs []BehaviorRegistration) ([]Behavior, error) {
	behaviors := make([]Behavior, 0, len(regs))
	for _, reg := range regs {
		b, err := reg.build(u)
		if err != nil {
			return nil, fmt.Errorf("build behavior %s for %s: %w", describeRegistration(reg), u.Name(), err)
		}
		if b != nil {
			behaviors = append(behaviors, b)
		}
	}
	return behaviors, nil
}

// Start moves the unit from Created to Running. A failed start leaves the unit
// Stopped.
func (u *MessageUnit) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.state != UnitCreated {
		state := u.state
		u.mu.Unlock()
		return &errspkg.StateError{Endpoint: u.Name(), Operation: "start", State: state.String()}
	}
	if u.receiver == nil {
		u.mu.Unlock()
		return &errspkg.ConfigurationError{Endpoint: u.Name(), Err: errspkg.ErrNoReceiver}
	}
	if err := u.buildLocked(); err != nil {
		u.mu.Unlock()
		return err
	}
	u.state = UnitStarting
	receiver, cfg := u.receiver, u.cfg
	u.mu.Unlock()

	u.logger.Info("Starting message unit", loggingpkg.LogFields{
		"concurrency":   cfg.MaxConcurrency(),
		"queue":         cfg.EndpointQueue(),
		"subscriptions": cfg.Subscriptions(),
	})

	closer, err := receiver.Start(ctx, cfg, u.onMessage)

	u.mu.Lock()
	defer close(u.startDone)
	if err != nil {
		u.state = UnitStopped
		close(u.stopping)
		close(u.closing)
		close(u.stopped)
		u.mu.Unlock()
		return fmt.Errorf("start endpoint %s: %w", u.Name(), err)
	}
	u.closer = closer
	u.state = UnitRunning
	u.mu.Unlock()
	return nil
}

// Stop stops admitting messages, waits for in-flight work and closes the
// receiver. If ctx ends before in-flight work finishes, Stop returns the
// context error and leaves the unit Stopping with its receiver open; calling
// Stop again resumes the drain. It is safe to call more than once.
func (u *MessageUnit) Stop(ctx context.Context) error {
	u.mu.Lock()
	for u.state == UnitStarting {
		startDone := u.startDone
		u.mu.Unlock()
		select {
		case <-startDone:
		case <-ctx.Done():
			return ctx.Err()
		}
		u.mu.Lock()
	}

	var pauser Pauser
	switch u.state {
	case UnitCreated:
		u.state = UnitStopped
		close(u.stopping)
		close(u.closing)
		close(u.stopped)
		u.mu.Unlock()
		return nil
	case UnitStopped:
		u.mu.Unlock()
		return u.stopErr
	case UnitStopping:
		if u.stopActive {
			stopped := u.stopped
			u.mu.Unlock()
			select {
			case <-stopped:
				return u.stopErr
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	case UnitRunning:
		u.state = UnitStopping
		close(u.stopping)
		pauser, _ = u.closer.(Pauser)
	}
	u.stopActive = true
	closer := u.closer
	u.mu.Unlock()

	if pauser != nil {
		pauser.Pause()
	}
	u.logger.Info("Stopping message unit", nil)

	if err := u.drain(ctx); err != nil {
		u.mu.Lock()
		u.stopActive = false
		u.mu.Unlock()
		u.logger.Error("Message unit is still draining", err, nil)
		return err
	}

	close(u.closing)
	var errs []error
	if closer != nil {
		if err := closer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close receiver: %w", err))
		}
	}

	u.mu.Lock()
	u.stopErr = errors.Join(errs...)
	u.state = UnitStopped
	u.stopActive = false
	close(u.stopped)
	u.mu.Unlock()

	u.logger.Info("Message unit stopped", nil)
	return u.stopErr
}

func (u *MessageUnit) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		u.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain %s: %w", u.Name(), ctx.Err())
	}
}

// admit takes a gate slot. Once the unit stops admitting, the delivery is
// held until the receiver closes and then rejected, so the transport does not
// hand it straight back during the drain.
func (u *MessageUnit) admit(ctx context.Context) (func(), error) {
	u.mu.Lock()
	if u.state != UnitStarting && u.state != UnitRunning {
		u.mu.Unlock()
		return nil, u.reject(ctx)
	}
	u.inFlight.Add(1)
	stopping := u.stopping
	u.mu.Unlock()

	select {
	case u.gate <- struct{}{}:
		return func() {
			<-u.gate
			u.inFlight.Done()
		}, nil
	case <-stopping:
		u.inFlight.Done()
		return nil, u.reject(ctx)
	case <-ctx.Done():
		u.inFlight.Done()
		return nil, ctx.Err()
	}
}

func (u *MessageUnit) reject(ctx context.Context) error {
	select {
	case <-u.closing:
	case <-ctx.Done():
	}
	return errspkg.ErrUnitStopping
}

// onMessage is handed to the receiver adapter.
func (u *MessageUnit) onMessage(ctx context.Context, msg TransportMessage) error {
	release, err := u.admit(ctx)
	if err != nil {
		return err
	}
	defer release()

	env := envelopeFromTransport(u.Name(), msg)
	return u.inbound.Invoke(ctx, env)
}

// Publish sends msg to every subscriber of the routed destination.
func (u *MessageUnit) Publish(ctx context.Context, msg any, opts PublishOptions) error {
	return u.emit(ctx, msg, IntentPublish, opts.Headers, opts.Destination)
}

// Send sends msg to a single endpoint queue.
func (u *MessageUnit) Send(ctx context.Context, msg any, opts SendOptions) error {
	return u.emit(ctx, msg, IntentSend, opts.Headers, opts.Destination)
}

func (u *MessageUnit) emit(ctx context.Context, msg any, intent MessageIntent, headers metadatapkg.Metadata, dest Destination) error {
	if msg == nil {
		return errspkg.ErrMessageRequired
	}

	op := "publish"
	if intent == IntentSend {
		op = "send"
	}

	u.mu.Lock()
	switch u.state {
	case UnitCreated:
		if u.receiver == nil {
			u.mu.Unlock()
			return &errspkg.ConfigurationError{Endpoint: u.Name(), Err: errspkg.ErrNoReceiver}
		}
	case UnitStarting, UnitRunning:
	default:
		state := u.state
		u.mu.Unlock()
		return &errspkg.StateError{Endpoint: u.Name(), Operation: op, State: state.String()}
	}
	if err := u.buildLocked(); err != nil {
		u.mu.Unlock()
		return err
	}
	pipeline := u.outbound
	u.mu.Unlock()

	payload, err := u.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %T: %w", msg, err)
	}

	env := &Envelope{
		ID:          idspkg.CreateULID(),
		Type:        TypeOf(msg),
		Intent:      intent,
		Body:        msg,
		Payload:     payload,
		Headers:     headers.Clone(),
		Destination: dest,
		Endpoint:    u.Name(),
	}
	env.SetHeader(metadatapkg.KeyMessageID, env.ID)
	env.SetHeader(metadatapkg.KeyMessageType, string(env.Type))
	env.SetHeader(metadatapkg.KeyMessageIntent, string(intent))
	env.SetHeader(metadatapkg.KeyContentType, u.codec.ContentType())

	return pipeline.Invoke(ctx, env)
}

// transmit is the outbound terminal step.
func (u *MessageUnit) transmit(ctx context.Context, env *Envelope) error {
	if env.Destination == "" {
		return &errspkg.RoutingError{
			Endpoint:    u.Name(),
			MessageType: string(env.Type),
			Err:         errspkg.ErrDestinationUnresolved,
		}
	}

	u.mu.Lock()
	receiver := u.receiver
	u.mu.Unlock()

	start := time.Now()
	if err := receiver.Send(ctx, env.Destination, env); err != nil {
		return &errspkg.RoutingError{
			Endpoint:    u.Name(),
			MessageType: string(env.Type),
			Err:         fmt.Errorf("transmit to %s: %w", env.Destination, err),
		}
	}
	u.stats.onSent(time.Since(start))
	return nil
}

func wrapBehaviors(behaviors []Behavior) []BehaviorRegistration {
	regs := make([]BehaviorRegistration, 0, len(behaviors))
	for _, b := range behaviors {
		if b == nil {
			continue
		}
		regs = append(regs, BehaviorRegistration{Behavior: b})
	}
	return regs
}

// Info describes the unit and its current statistics.
func (u *MessageUnit) Info() UnitInfo {
	u.mu.Lock()
	cfg, state := u.cfg, u.state
	u.mu.Unlock()

	subs := cfg.Subscriptions()
	if subs == nil {
		subs = []string{}
	}
	return UnitInfo{
		Name:          cfg.EndpointName(),
		State:         state.String(),
		Queue:         cfg.EndpointQueue(),
		Concurrency:   cfg.MaxConcurrency(),
		Subscriptions: subs,
		Stats:         u.Stats(),
	}
}
