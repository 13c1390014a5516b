package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/servicebus/internal/runtime/logging"
	metadatapkg "github.com/drblury/servicebus/internal/runtime/metadata"
)

// JobContext provides information about one inbound pipeline run to hooks.
type JobContext struct {
	// Endpoint is the name of the unit processing the message.
	Endpoint string
	// MessageType is the type carried in the message_type header.
	MessageType MessageType
	// MessageID is the unique identifier of the message.
	MessageID string
	// Headers is a snapshot of the envelope headers when the job started.
	Headers metadatapkg.Metadata
	// Context is the context associated with the message.
	Context context.Context
	// StartedAt is when the job started processing.
	StartedAt time.Time
	// Duration is how long the job took (only set in OnJobDone and OnJobError).
	Duration time.Duration
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the rest of the pipeline runs.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when the rest of the pipeline succeeded.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when the rest of the pipeline failed.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksBehavior invokes the provided hooks around the rest of the inbound
// pipeline.
func JobHooksBehavior(hooks JobHooks) BehaviorRegistration {
	return BehaviorRegistration{
		Name: "job_hooks",
		Builder: func(u *MessageUnit) (Behavior, error) {
			return jobHooksBehavior(u.Name(), hooks), nil
		},
	}
}

func jobHooksBehavior(endpoint string, hooks JobHooks) Behavior {
	return BehaviorFunc(func(ctx context.Context, env *Envelope, next Next) error {
		jobCtx := JobContext{
			Endpoint:    endpoint,
			MessageType: env.Type,
			MessageID:   env.ID,
			Headers:     env.Headers.Clone(),
			Context:     ctx,
			StartedAt:   time.Now(),
		}

		if hooks.OnJobStart != nil {
			hooks.OnJobStart(jobCtx)
		}

		err := next(ctx, env)
		jobCtx.Duration = time.Since(jobCtx.StartedAt)

		if err != nil {
			if hooks.OnJobError != nil {
				hooks.OnJobError(jobCtx, err)
			}
		} else if hooks.OnJobDone != nil {
			hooks.OnJobDone(jobCtx)
		}
		return err
	})
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	if logger == nil {
		return JobHooks{}
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", loggingpkg.LogFields{
				"endpoint":     ctx.Endpoint,
				"message_type": ctx.MessageType,
				"message_id":   ctx.MessageID,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"endpoint":     ctx.Endpoint,
				"message_type": ctx.MessageType,
				"message_id":   ctx.MessageID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"endpoint":     ctx.Endpoint,
				"message_type": ctx.MessageType,
				"message_id":   ctx.MessageID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that record job metrics.
func MetricsHooks(onStart, onDone, onError func(endpoint string, messageType MessageType)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Endpoint, ctx.MessageType)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Endpoint, ctx.MessageType)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Endpoint, ctx.MessageType)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
