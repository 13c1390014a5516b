package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	loggingpkg "github.com/drblury/servicebus/internal/runtime/logging"
	metadatapkg "github.com/drblury/servicebus/internal/runtime/metadata"
)

// DeadLetterMetrics counts envelopes moved to a dead-letter destination. It
// keeps an in-memory per-destination snapshot next to the Prometheus
// collectors so the stats API can report it without scraping.
type DeadLetterMetrics struct {
	mu         sync.RWMutex
	registerer prometheus.Registerer
	registered bool

	destinations map[Destination]*DeadLetterCounts

	messagesTotal  *prometheus.CounterVec
	failuresTotal  *prometheus.CounterVec
	ageSecondsHist *prometheus.HistogramVec
}

// DeadLetterCounts is the snapshot kept per dead-letter destination.
type DeadLetterCounts struct {
	Forwarded     uint64    `json:"forwarded"`
	Failed        uint64    `json:"failed"`
	LastForwarded time.Time `json:"lastForwarded,omitempty"`
}

// NewDeadLetterMetrics creates the collectors. A nil registerer uses the
// Prometheus default registry.
func NewDeadLetterMetrics(registerer prometheus.Registerer) *DeadLetterMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &DeadLetterMetrics{
		registerer:   registerer,
		destinations: make(map[Destination]*DeadLetterCounts),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servicebus",
			Subsystem: "dead_letter",
			Name:      "messages_total",
			Help:      "Envelopes forwarded to a dead-letter destination",
		}, []string{"endpoint", "destination"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servicebus",
			Subsystem: "dead_letter",
			Name:      "forward_failures_total",
			Help:      "Envelopes that could not be forwarded to a dead-letter destination",
		}, []string{"endpoint", "destination"}),
		ageSecondsHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "servicebus",
			Subsystem: "dead_letter",
			Name:      "message_age_seconds",
			Help:      "Time between enqueue and dead-lettering",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 21600, 86400},
		}, []string{"destination"}),
	}
}

// Register adds the collectors to the registerer. Collectors that are
// already registered are not an error.
func (m *DeadLetterMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.messagesTotal, m.failuresTotal, m.ageSecondsHist} {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *DeadLetterMetrics) recordForwarded(endpoint string, dest Destination, age time.Duration, hasAge bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := m.countsLocked(dest)
	counts.Forwarded++
	counts.LastForwarded = time.Now()

	m.messagesTotal.WithLabelValues(endpoint, string(dest)).Inc()
	if hasAge {
		m.ageSecondsHist.WithLabelValues(string(dest)).Observe(age.Seconds())
	}
}

func (m *DeadLetterMetrics) recordFailure(endpoint string, dest Destination) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countsLocked(dest).Failed++
	m.failuresTotal.WithLabelValues(endpoint, string(dest)).Inc()
}

func (m *DeadLetterMetrics) countsLocked(dest Destination) *DeadLetterCounts {
	counts, ok := m.destinations[dest]
	if !ok {
		counts = &DeadLetterCounts{}
		m.destinations[dest] = counts
	}
	return counts
}

// Snapshot returns a copy of the per-destination counts.
func (m *DeadLetterMetrics) Snapshot() map[Destination]DeadLetterCounts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Destination]DeadLetterCounts, len(m.destinations))
	for dest, counts := range m.destinations {
		out[dest] = *counts
	}
	return out
}

// DeadLetterBehavior forwards envelopes whose pipeline failed to dest and
// reports them as handled, so the transport acknowledges instead of
// redelivering. The forwarded copy keeps the original id, payload and headers
// and adds the failure reason and the failing endpoint. When forwarding fails
// the original error is returned and the message is rejected as usual.
//
// Register it before RetryBehavior so retries run first. metrics may be nil.
func DeadLetterBehavior(dest Destination, metrics *DeadLetterMetrics) BehaviorRegistration {
	return BehaviorRegistration{
		Name: "dead_letter",
		Builder: func(u *MessageUnit) (Behavior, error) {
			if dest == "" {
				return nil, nil
			}
			if metrics != nil {
				if err := metrics.Register(); err != nil {
					return nil, err
				}
			}
			return deadLetterBehavior(u, dest, metrics), nil
		},
	}
}

func deadLetterBehavior(u *MessageUnit, dest Destination, metrics *DeadLetterMetrics) Behavior {
	return BehaviorFunc(func(ctx context.Context, env *Envelope, next Next) error {
		err := next(ctx, env)
		if err == nil {
			return nil
		}

		forward := &Envelope{
			ID:          env.ID,
			Type:        env.Type,
			Intent:      env.Intent,
			Payload:     env.Payload,
			Destination: dest,
			Endpoint:    env.Endpoint,
			Headers: env.Headers.With(metadatapkg.KeyDeadLetterReason, err.Error()).
				With(metadatapkg.KeyDeadLetterEndpoint, u.Name()),
		}

		u.mu.Lock()
		receiver := u.receiver
		u.mu.Unlock()

		if sendErr := receiver.Send(context.WithoutCancel(ctx), dest, forward); sendErr != nil {
			u.logger.Error("Failed to forward message to dead-letter destination", sendErr, loggingpkg.LogFields{
				"endpoint":    u.Name(),
				"message_id":  env.ID,
				"destination": string(dest),
			})
			if metrics != nil {
				metrics.recordFailure(u.Name(), dest)
			}
			return err
		}

		u.logger.Info("Message moved to dead-letter destination", loggingpkg.LogFields{
			"endpoint":     u.Name(),
			"message_id":   env.ID,
			"message_type": string(env.Type),
			"destination":  string(dest),
			"reason":       err.Error(),
		})
		if metrics != nil {
			enqueued, ok := env.EnqueuedAt()
			metrics.recordForwarded(u.Name(), dest, time.Since(enqueued), ok)
		}
		return nil
	})
}
