package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	configpkg "github.com/drblury/servicebus/internal/runtime/config"
	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	loggingpkg "github.com/drblury/servicebus/internal/runtime/logging"
	"github.com/drblury/servicebus/transport"
)

const (
	defaultStatsPort       = 8081
	defaultShutdownTimeout = 30 * time.Second
)

// BrokerDependencies holds the optional collaborators of a Broker. Leave
// fields nil to use the defaults.
type BrokerDependencies struct {
	// Receiver is handed to every registered unit that has none. When nil the
	// broker builds a transport from the configuration and wraps it in a
	// WatermillReceiver.
	Receiver ReceiverAdapter
	// Transport is used instead of building one from the registry. The broker
	// does not close a transport it was given.
	Transport *transport.Transport
	// TransportRegistry resolves Config.PubSubSystem. Defaults to
	// transport.DefaultRegistry.
	TransportRegistry *transport.Registry
	// MetricsRegistry receives the broker collectors when metrics are enabled.
	// Defaults to a fresh registry served on /metrics.
	MetricsRegistry *prometheus.Registry
	// OnDiagnostic observes transport errors that did not stop delivery.
	OnDiagnostic DiagnosticFunc
}

// Broker owns the endpoint registry: which units exist and which destinations
// each unit is subscribed to. It provisions those subscriptions and drives the
// lifecycle of every unit.
type Broker struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	receiver      ReceiverAdapter
	transport     transport.Transport
	ownsTransport bool

	metricsRegistry   *prometheus.Registry
	unitMetrics       *UnitMetrics
	deadLetterMetrics *DeadLetterMetrics

	mu            sync.Mutex
	units         []*MessageUnit
	byName        map[string]*MessageUnit
	destinations  []Destination
	subscriptions map[Destination][]string
	started       bool
	closed        bool
	shutDown      bool

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server
}

// NewBroker validates conf and connects the configured transport. Units are
// added with Register and RegisterSubscriber before Start.
func NewBroker(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps BrokerDependencies) (*Broker, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	if log == nil {
		log = loggingpkg.NewNopServiceLogger()
	}

	log.Info("Creating message broker", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	b := &Broker{
		Conf:          conf,
		Logger:        log,
		receiver:      deps.Receiver,
		byName:        make(map[string]*MessageUnit),
		subscriptions: make(map[Destination][]string),
	}

	if conf.MetricsEnabled {
		b.metricsRegistry = deps.MetricsRegistry
		if b.metricsRegistry == nil {
			b.metricsRegistry = prometheus.NewRegistry()
			b.metricsRegistry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
		}
		b.unitMetrics = NewUnitMetrics(b.metricsRegistry)
	}
	if conf.DeadLetterDestination != "" {
		var registerer prometheus.Registerer = prometheus.NewRegistry()
		if b.metricsRegistry != nil {
			registerer = b.metricsRegistry
		}
		b.deadLetterMetrics = NewDeadLetterMetrics(registerer)
	}

	if b.receiver == nil {
		if err := b.connect(ctx, deps); err != nil {
			return nil, err
		}
	}

	b.registerMetricsEndpoint()
	b.registerStatsAPI()
	return b, nil
}

func (b *Broker) connect(ctx context.Context, deps BrokerDependencies) error {
	var t transport.Transport
	if deps.Transport != nil {
		t = *deps.Transport
	} else {
		registry := deps.TransportRegistry
		if registry == nil {
			registry = transport.DefaultRegistry
		}
		built, err := registry.Build(ctx, b.Conf, loggingpkg.NewWatermillAdapter(b.Logger))
		if err != nil {
			return fmt.Errorf("build transport %q: %w", b.Conf.PubSubSystem, err)
		}
		t = built
		b.ownsTransport = true
	}

	if b.metricsRegistry != nil {
		decorated, err := decorateTransport(t, b.metricsRegistry, b.Conf.GetPubSubSystem())
		if err != nil {
			if b.ownsTransport {
				_ = t.Close()
			}
			return err
		}
		t = decorated
	}

	b.transport = t
	var opts []ReceiverOption
	if deps.OnDiagnostic != nil {
		opts = append(opts, WithDiagnostics(deps.OnDiagnostic))
	}
	b.receiver = NewWatermillReceiver(t, b.Logger, opts...)
	return nil
}

// decorateTransport adds Watermill's publish and subscribe metrics. Close
// still reaches the transport's own publisher and subscriber.
func decorateTransport(t transport.Transport, registerer prometheus.Registerer, subsystem string) (transport.Transport, error) {
	if subsystem == "" {
		subsystem = transport.DefaultTransportName
	}
	// Prometheus metric names only allow [a-zA-Z0-9_:].
	subsystem = strings.NewReplacer("-", "_", ".", "_").Replace(subsystem)
	builder := metrics.NewPrometheusMetricsBuilder(registerer, "servicebus", subsystem)

	out := t
	if t.Publisher != nil {
		pub, err := builder.DecoratePublisher(t.Publisher)
		if err != nil {
			return t, fmt.Errorf("decorate publisher: %w", err)
		}
		out.Publisher = pub
	}
	if t.Subscriber != nil {
		sub, err := builder.DecorateSubscriber(t.Subscriber)
		if err != nil {
			return t, fmt.Errorf("decorate subscriber: %w", err)
		}
		out.Subscriber = sub
	}
	if t.SubscriberFor != nil {
		subscriberFor := t.SubscriberFor
		out.SubscriberFor = func(endpoint string) (message.Subscriber, error) {
			sub, err := subscriberFor(endpoint)
			if err != nil {
				return nil, err
			}
			return builder.DecorateSubscriber(sub)
		}
	}
	// The decorators forward Close, so the original pair is not closed again.
	out.OnClose = t.OnClose
	return out, nil
}

// Register adds unit to the broker. Units without a receiver get the
// broker's. A second unit with an already registered name is rejected with a
// ConfigurationError and left out.
func (b *Broker) Register(unit *MessageUnit) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registerLocked(unit, false)
}

// registerLocked adds unit. With allowSame, registering the same unit again is
// a no-op. Caller holds b.mu.
func (b *Broker) registerLocked(unit *MessageUnit, allowSame bool) error {
	if unit == nil {
		return errspkg.ErrUnitRequired
	}
	if b.started || b.closed {
		return fmt.Errorf("%w: broker already started", errspkg.ErrInvalidState)
	}
	name := unit.Name()
	if existing, ok := b.byName[name]; ok {
		if allowSame && existing == unit {
			return nil
		}
		return &errspkg.ConfigurationError{Endpoint: name, Err: errspkg.ErrDuplicateEndpoint}
	}
	if state := unit.State(); state != UnitCreated {
		return &errspkg.StateError{Endpoint: name, Operation: "register", State: state.String()}
	}
	// The broker adds behaviors below, so a unit that already published is
	// rejected before anything on it changes.
	if unit.pipelinesBuilt() {
		return &errspkg.ConfigurationError{Endpoint: name, Err: errspkg.ErrPipelinesBuilt}
	}

	if !unit.hasReceiver() {
		if b.receiver == nil {
			return &errspkg.ConfigurationError{Endpoint: name, Err: errspkg.ErrNoReceiver}
		}
		if err := unit.UseReceiver(b.receiver); err != nil {
			return err
		}
	}
	if b.unitMetrics != nil {
		if err := unit.UseRegistration(MetricsBehavior(b.unitMetrics, DirectionInbound)); err != nil {
			return err
		}
		if err := unit.UseOutboundRegistration(MetricsBehavior(b.unitMetrics, DirectionOutbound)); err != nil {
			return err
		}
	}
	if b.deadLetterMetrics != nil {
		if err := unit.UseRegistration(DeadLetterBehavior(Destination(b.Conf.DeadLetterDestination), b.deadLetterMetrics)); err != nil {
			return err
		}
	}
	if b.Conf.RetryEnabled {
		if err := unit.UseRegistration(RetryBehavior(RetryConfig{
			MaxRetries:      b.Conf.RetryMaxRetries,
			InitialInterval: b.Conf.RetryInitialInterval,
			MaxInterval:     b.Conf.RetryMaxInterval,
		})); err != nil {
			return err
		}
	}

	b.units = append(b.units, unit)
	b.byName[name] = unit
	b.Logger.Debug("Registered message unit", loggingpkg.LogFields{"endpoint": name})
	return nil
}

// RegisterSubscriber registers unit, if needed, and subscribes it to dest.
// The subscription is provisioned when the broker starts.
func (b *Broker) RegisterSubscriber(unit *MessageUnit, dest Destination) error {
	if unit == nil {
		return errspkg.ErrUnitRequired
	}
	if dest == "" {
		return &errspkg.ConfigurationError{Endpoint: unit.Name(), Err: errspkg.ErrDestinationRequired}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.registerLocked(unit, true); err != nil {
		return err
	}

	subscribers, ok := b.subscriptions[dest]
	if !ok {
		b.destinations = append(b.destinations, dest)
	}
	if !slices.Contains(subscribers, unit.Name()) {
		b.subscriptions[dest] = append(subscribers, unit.Name())
	}
	return nil
}

// SubscribersOf returns the units subscribed to dest, in subscription order.
func (b *Broker) SubscribersOf(dest Destination) []*MessageUnit {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := b.subscriptions[dest]
	units := make([]*MessageUnit, 0, len(names))
	for _, name := range names {
		units = append(units, b.byName[name])
	}
	return units
}

// Destinations returns every destination with at least one subscriber, in
// first-subscription order.
func (b *Broker) Destinations() []Destination {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.destinations)
}

// Units returns the registered units in registration order.
func (b *Broker) Units() []*MessageUnit {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.units)
}

// Unit returns the unit registered under name.
func (b *Broker) Unit(name string) (*MessageUnit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.byName[name]
	return u, ok
}

// DeadLetters returns the per-destination dead-letter counts, or nil when no
// dead-letter destination is configured.
func (b *Broker) DeadLetters() map[Destination]DeadLetterCounts {
	if b.deadLetterMetrics == nil {
		return nil
	}
	return b.deadLetterMetrics.Snapshot()
}

// UnitInfos describes every registered unit with its current statistics.
func (b *Broker) UnitInfos() []UnitInfo {
	units := b.Units()
	infos := make([]UnitInfo, 0, len(units))
	for _, u := range units {
		infos = append(infos, u.Info())
	}
	return infos
}

// Start provisions subscriptions and starts every unit in registration
// order. If a unit fails to start, the units already started are stopped in
// reverse order and the joined errors are returned.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: broker already started", errspkg.ErrInvalidState)
	}
	b.started = true
	units := slices.Clone(b.units)
	err := b.provisionLocked()
	b.mu.Unlock()
	if err != nil {
		return err
	}

	b.Logger.Info("Starting message broker", loggingpkg.LogFields{"units": len(units)})

	for i, u := range units {
		if err := u.Start(ctx); err != nil {
			b.Logger.Error("Message unit failed to start", err, loggingpkg.LogFields{"endpoint": u.Name()})
			return errors.Join(err, stopUnits(ctx, units[:i]))
		}
	}

	if err := b.startHTTPServers(); err != nil {
		return errors.Join(err, stopUnits(ctx, units))
	}
	return nil
}

func (b *Broker) provisionLocked() error {
	for _, dest := range b.destinations {
		for _, name := range b.subscriptions[dest] {
			if err := b.byName[name].subscribe(dest); err != nil {
				return fmt.Errorf("provision %s for %s: %w", dest, name, err)
			}
		}
	}
	return nil
}

// stopUnits stops units in reverse order and joins their errors.
func stopUnits(ctx context.Context, units []*MessageUnit) error {
	var errs []error
	for i := len(units) - 1; i >= 0; i-- {
		if err := units[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", units[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Stop stops every unit in reverse registration order, waits for each to
// reach Stopped, shuts the HTTP servers down and closes a transport the
// broker built. A unit failing to stop does not prevent stopping the others.
// While a unit is still draining when ctx ends, the HTTP servers and the
// transport stay up and Stop can be called again.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	units := slices.Clone(b.units)
	b.closed = true
	b.mu.Unlock()

	b.Logger.Info("Stopping message broker", loggingpkg.LogFields{"units": len(units)})

	unitsErr := stopUnits(ctx, units)
	for _, u := range units {
		if u.State() != UnitStopped {
			return unitsErr
		}
	}

	b.mu.Lock()
	alreadyShutDown := b.shutDown
	b.shutDown = true
	b.mu.Unlock()

	errs := []error{unitsErr}
	if !alreadyShutDown {
		errs = append(errs, b.stopHTTPServers(ctx))
		if b.ownsTransport {
			if err := b.transport.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close transport: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

// Run starts the broker, blocks until ctx is cancelled and then stops it,
// giving in-flight messages up to 30 seconds to finish.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
	defer cancel()
	return b.Stop(stopCtx)
}

// RegisterHTTPHandler mounts handler on the HTTP server for port. Servers
// start with the broker.
func (b *Broker) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	if b.httpServers == nil {
		b.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := b.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		b.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (b *Broker) startHTTPServers() error {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	for port, mux := range b.httpServers {
		addr := fmt.Sprintf(":%d", port)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		b.servers = append(b.servers, server)

		b.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
	return nil
}

func (b *Broker) stopHTTPServers(ctx context.Context) error {
	b.httpServersMu.Lock()
	servers := b.servers
	b.servers = nil
	b.httpServersMu.Unlock()

	var errs []error
	for _, server := range servers {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
	}
	return errors.Join(errs...)
}
