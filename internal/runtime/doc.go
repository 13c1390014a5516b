/*
Package runtime provides the message processing core of servicebus.

# Architecture Overview

A Broker owns the endpoint registry. Each endpoint is a MessageUnit: a named
receiver with its own queue, its own handler registry and two behavior
pipelines, one for inbound dispatch and one for outgoing publishes and sends.
Messages travel through the pipelines as Envelopes and reach the wire through
a ReceiverAdapter, by default a WatermillReceiver over a transport built from
the configuration.

# Package Structure

## Broker (broker.go, webui.go)

Registers units, records destination subscriptions, provisions them on start
and drives unit lifecycles. Optionally serves Prometheus metrics and a JSON
stats API (/api/units, /api/units/{name}, /api/dead-letters).

## Message units (unit.go, invoker.go, handler_context.go)

Lifecycle (Created, Starting, Started, Stopping, Stopped), bounded concurrency,
Publish and Send, and the terminal dispatch step that decodes the payload once
per handler and runs handlers in registration order, failing fast.

## Handlers (registry.go)

Typed synchronous and asynchronous handler descriptors, HandlerTable and
HandlerRegistryFunc for resolving the handlers of a message type.

## Behaviors (pipeline.go, behaviors.go, hooks.go, deadletter.go, metrics.go)

Composable pipeline stages:
  - Recoverer: panics become errors
  - CorrelationID and MessageHeaders: header stamping
  - Tracer: OpenTelemetry spans
  - Stats and Metrics: in-process statistics and Prometheus collectors
  - Retry: exponential backoff
  - DeadLetter: forwards failed envelopes to a dead-letter destination
  - JobHooks, Filter, LogMessages

## Stats (models.go, resources.go)

Latency percentiles, throughput, error categories, resource usage and
backlog estimation per unit.

# Sub-packages

  - codec/: payload codecs (JSON, protobuf)
  - config/: broker and endpoint configuration with validation
  - errors/: sentinel errors and error types
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: message header utilities

# Usage Example

	broker, err := servicebus.NewBroker(ctx, &servicebus.Config{
		PubSubSystem: "kafka",
		KafkaBrokers: []string{"localhost:9092"},
	}, logger, servicebus.BrokerDependencies{})

	billing, err := servicebus.NewMessageUnit(
		servicebus.NewEndpointConfiguration().Endpoint("billing").Concurrency(4),
		servicebus.UnitDependencies{
			Registry: servicebus.NewHandlerTable().Add(servicebus.HandleFunc(chargeOrder)),
		},
	)

	err = broker.RegisterSubscriber(billing, "orders.placed")
	err = broker.Run(ctx)
*/
package runtime
