package runtime

import (
	"context"
	"errors"
	"fmt"
)

// Next continues a pipeline with the given envelope.
type Next func(ctx context.Context, env *Envelope) error

// Behavior is one stage of a pipeline. It may inspect or rewrite the envelope,
// call next zero or one time, and return an error upward.
type Behavior interface {
	Process(ctx context.Context, env *Envelope, next Next) error
}

// BehaviorFunc adapts a function to Behavior.
type BehaviorFunc func(ctx context.Context, env *Envelope, next Next) error

func (f BehaviorFunc) Process(ctx context.Context, env *Envelope, next Next) error {
	return f(ctx, env, next)
}

// Pipeline is an ordered chain of behaviors ending in a terminal step. It is
// composed once and safe for concurrent use as long as its behaviors are.
type Pipeline struct {
	run  Next
	size int
}

// NewPipeline composes behaviors around terminal. The first behavior is the
// outermost. Nil behaviors are skipped.
func NewPipeline(terminal Next, behaviors ...Behavior) Pipeline {
	if terminal == nil {
		terminal = func(context.Context, *Envelope) error { return nil }
	}
	run := terminal
	size := 0
	for i := len(behaviors) - 1; i >= 0; i-- {
		b := behaviors[i]
		if b == nil {
			continue
		}
		size++
		inner := run
		run = func(ctx context.Context, env *Envelope) error {
			return b.Process(ctx, env, inner)
		}
	}
	return Pipeline{run: run, size: size}
}

// Invoke runs the pipeline.
func (p Pipeline) Invoke(ctx context.Context, env *Envelope) error {
	if p.run == nil {
		return errors.New("servicebus: pipeline is not built")
	}
	if env == nil {
		return fmt.Errorf("servicebus: nil envelope")
	}
	return p.run(ctx, env)
}

// Len reports the number of behaviors in the pipeline.
func (p Pipeline) Len() int { return p.size }

// AlwaysRouteToDestination routes every outgoing envelope to dest. It holds
// no state, so one instance can be shared by several units.
func AlwaysRouteToDestination(dest Destination) Behavior {
	return BehaviorFunc(func(ctx context.Context, env *Envelope, next Next) error {
		env.Destination = dest
		return next(ctx, env)
	})
}
