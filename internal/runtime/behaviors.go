package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/cenkalti/backoff/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/drblury/servicebus/internal/runtime/ids"
	loggingpkg "github.com/drblury/servicebus/internal/runtime/logging"
	metadatapkg "github.com/drblury/servicebus/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/servicebus"

// BehaviorBuilder constructs a behavior for the unit it is attached to.
type BehaviorBuilder func(*MessageUnit) (Behavior, error)

// BehaviorRegistration captures how a behavior is added to a unit pipeline.
// Builders run once, when the pipeline is composed; a nil result is skipped.
type BehaviorRegistration struct {
	Name     string
	Behavior Behavior
	Builder  BehaviorBuilder
}

func (r BehaviorRegistration) build(u *MessageUnit) (Behavior, error) {
	switch {
	case r.Behavior != nil:
		return r.Behavior, nil
	case r.Builder != nil:
		return r.Builder(u)
	default:
		return nil, errors.New("behavior registration requires Behavior or Builder")
	}
}

// RetryConfig customises RetryBehavior.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	return cfg
}

// DefaultBehaviors is the inbound chain every unit starts with.
func DefaultBehaviors() []BehaviorRegistration {
	return []BehaviorRegistration{
		RecovererBehavior(),
		CorrelationIDBehavior(),
		TracerBehavior(),
		StatsBehavior(),
	}
}

// DefaultOutboundBehaviors is the outbound chain every unit starts with.
func DefaultOutboundBehaviors() []BehaviorRegistration {
	return []BehaviorRegistration{
		CorrelationIDBehavior(),
		MessageHeadersBehavior(),
		TracerBehavior(),
	}
}

// CorrelationIDBehavior stamps a correlation id on envelopes that lack one.
func CorrelationIDBehavior() BehaviorRegistration {
	return BehaviorRegistration{
		Name: "correlation_id",
		Behavior: BehaviorFunc(func(ctx context.Context, env *Envelope, next Next) error {
			if env.CorrelationID() == "" {
				env.SetHeader(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
			}
			return next(ctx, env)
		}),
	}
}

// MessageHeadersBehavior stamps the origin endpoint and enqueue time on
// outgoing envelopes. Values set by the caller are kept.
func MessageHeadersBehavior() BehaviorRegistration {
	return BehaviorRegistration{
		Name: "message_headers",
		Behavior: BehaviorFunc(func(ctx context.Context, env *Envelope, next Next) error {
			if env.Headers == nil {
				env.Headers = metadatapkg.Metadata{}
			}
			env.Headers.SetDefault(metadatapkg.KeyOriginEndpoint, env.Endpoint)
			env.Headers.SetDefault(metadatapkg.KeyEnqueuedAt, time.Now().UTC().Format(time.RFC3339Nano))
			return next(ctx, env)
		}),
	}
}

// LogMessagesBehavior debug-logs every envelope. A nil logger uses the unit's.
func LogMessagesBehavior(logger loggingpkg.ServiceLogger) BehaviorRegistration {
	return BehaviorRegistration{
		Name: "log_messages",
		Builder: func(u *MessageUnit) (Behavior, error) {
			l := logger
			if l == nil {
				l = u.logger
			}
			if l == nil {
				return nil, errors.New("log messages behavior requires a logger")
			}
			return BehaviorFunc(func(ctx context.Context, env *Envelope, next Next) error {
				l.Debug("Processing message", loggingpkg.LogFields{
					"message_id":   env.ID,
					"message_type": env.Type,
					"intent":       env.Intent,
					"destination":  env.Destination,
					"headers":      env.Headers,
				})
				return next(ctx, env)
			}), nil
		},
	}
}

// TracerBehavior wraps the rest of the pipeline in an OpenTelemetry span and
// records the span ids in the envelope headers.
func TracerBehavior() BehaviorRegistration {
	return BehaviorRegistration{
		Name: "tracer",
		Builder: func(u *MessageUnit) (Behavior, error) {
			tracer := otel.Tracer(tracerName)
			endpoint := u.Name()
			return BehaviorFunc(func(ctx context.Context, env *Envelope, next Next) error {
				// Outgoing envelopes carry their body; received ones are
				// decoded at the end of the pipeline.
				kind := trace.SpanKindConsumer
				spanName := "servicebus.process"
				if env.Body != nil {
					kind = trace.SpanKindProducer
					spanName = "servicebus.emit"
				}
				ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(kind))
				defer span.End()

				span.SetAttributes(
					attribute.String("messaging.message.id", env.ID),
					attribute.String("servicebus.message_type", string(env.Type)),
					attribute.String("servicebus.endpoint", endpoint),
					attribute.String("servicebus.correlation_id", env.CorrelationID()),
				)
				if sc := span.SpanContext(); sc.IsValid() {
					env.SetHeader(metadatapkg.KeyTraceID, sc.TraceID().String())
					env.SetHeader(metadatapkg.KeySpanID, sc.SpanID().String())
				}

				err := next(ctx, env)
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				return err
			}), nil
		},
	}
}

// RetryBehavior re-runs the rest of the pipeline with exponential backoff
// (defaults applied to zero values).
func RetryBehavior(cfg RetryConfig) BehaviorRegistration {
	normalized := cfg.withDefaults()
	return BehaviorRegistration{
		Name: "retry",
		Builder: func(u *MessageUnit) (Behavior, error) {
			return retryBehavior(normalized, u.logger), nil
		},
	}
}

func retryBehavior(cfg RetryConfig, logger loggingpkg.ServiceLogger) Behavior {
	return BehaviorFunc(func(ctx context.Context, env *Envelope, next Next) error {
		err := next(ctx, env)
		if err == nil {
			return nil
		}

		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.InitialInterval = cfg.InitialInterval
		expBackoff.MaxInterval = cfg.MaxInterval
		expBackoff.MaxElapsedTime = 0
		expBackoff.Reset()

		for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
			if cfg.RetryIf != nil && !cfg.RetryIf(err) {
				return err
			}
			wait := expBackoff.NextBackOff()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}

			if err = next(ctx, env); err == nil {
				return nil
			}
			if logger != nil {
				logger.Error("Pipeline failed, retrying", err, loggingpkg.LogFields{
					"message_id":  env.ID,
					"retry_no":    attempt,
					"max_retries": cfg.MaxRetries,
					"wait_time":   wait.String(),
				})
			}
		}
		return err
	})
}

// RecovererBehavior converts panics in the rest of the pipeline into errors.
func RecovererBehavior() BehaviorRegistration {
	return BehaviorRegistration{
		Name: "recoverer",
		Behavior: BehaviorFunc(func(ctx context.Context, env *Envelope, next Next) (err error) {
			defer func() {
				if r := recover(); r != nil {
					panicErr := middleware.RecoveredPanicError{V: r, Stacktrace: string(debug.Stack())}
					err = errors.Join(err, panicErr)
				}
			}()
			return next(ctx, env)
		}),
	}
}

// StatsBehavior records latency, outcome and in-flight counts in the unit's
// statistics.
func StatsBehavior() BehaviorRegistration {
	return BehaviorRegistration{
		Name: "stats",
		Builder: func(u *MessageUnit) (Behavior, error) {
			return BehaviorFunc(func(ctx context.Context, env *Envelope, next Next) error {
				inv := u.stats.onMessageStart(env)
				start := time.Now()
				err := next(ctx, env)
				u.stats.onMessageFinish(inv, time.Since(start), err, u.errorClassifier)
				return err
			}), nil
		},
	}
}

// FilterBehavior short-circuits envelopes for which keep returns false. The
// envelope is treated as handled.
func FilterBehavior(name string, keep func(env *Envelope) bool) BehaviorRegistration {
	if name == "" {
		name = "filter"
	}
	return BehaviorRegistration{
		Name: name,
		Behavior: BehaviorFunc(func(ctx context.Context, env *Envelope, next Next) error {
			if keep != nil && !keep(env) {
				return nil
			}
			return next(ctx, env)
		}),
	}
}

func describeRegistration(reg BehaviorRegistration) string {
	if reg.Name != "" {
		return reg.Name
	}
	if reg.Behavior != nil {
		return fmt.Sprintf("%T", reg.Behavior)
	}
	return "anonymous_behavior"
}
