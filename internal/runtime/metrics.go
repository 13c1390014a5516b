package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline directions used as the direction label.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// UnitMetrics holds the Prometheus collectors shared by every unit of a
// broker.
type UnitMetrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	messagesTotal *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	inFlight      *prometheus.GaugeVec
}

func newUnitCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servicebus",
			Subsystem: "unit",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newUnitHistogramVec(name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "servicebus",
			Subsystem: "unit",
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		},
		labels,
	)
}

func newUnitGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "servicebus",
			Subsystem: "unit",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewUnitMetrics creates the collectors. A nil registerer uses the Prometheus
// default registry.
func NewUnitMetrics(registerer prometheus.Registerer) *UnitMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &UnitMetrics{
		registerer:    registerer,
		messagesTotal: newUnitCounterVec("messages_total", "Messages processed by a unit pipeline", []string{"endpoint", "direction", "outcome"}),
		duration:      newUnitHistogramVec("pipeline_duration_seconds", "Time spent in a unit pipeline", []string{"endpoint", "direction"}),
		inFlight:      newUnitGaugeVec("in_flight", "Messages currently inside a unit pipeline", []string{"endpoint", "direction"}),
	}
}

// Register registers the collectors. Collectors already registered by another
// broker on the same registry are reused. Safe to call multiple times.
func (m *UnitMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.messagesTotal, err = registerOrExisting(m.registerer, m.messagesTotal); err != nil {
		return err
	}
	if m.duration, err = registerOrExisting(m.registerer, m.duration); err != nil {
		return err
	}
	if m.inFlight, err = registerOrExisting(m.registerer, m.inFlight); err != nil {
		return err
	}

	m.registered = true
	return nil
}

func registerOrExisting[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	err := registerer.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

func (m *UnitMetrics) observe(endpoint, direction string, duration time.Duration, err error) {
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
	}
	m.messagesTotal.WithLabelValues(endpoint, direction, outcome).Inc()
	m.duration.WithLabelValues(endpoint, direction).Observe(duration.Seconds())
}

// MetricsBehavior records pipeline outcomes and durations for one direction.
func MetricsBehavior(m *UnitMetrics, direction string) BehaviorRegistration {
	return BehaviorRegistration{
		Name: "metrics_" + direction,
		Builder: func(u *MessageUnit) (Behavior, error) {
			if m == nil {
				return nil, nil
			}
			if err := m.Register(); err != nil {
				return nil, err
			}
			endpoint := u.Name()
			gauge := m.inFlight.WithLabelValues(endpoint, direction)
			return BehaviorFunc(func(ctx context.Context, env *Envelope, next Next) error {
				gauge.Inc()
				start := time.Now()
				err := next(ctx, env)
				gauge.Dec()
				m.observe(endpoint, direction, time.Since(start), err)
				return err
			}), nil
		},
	}
}
