// Package servicebus is an in-process service bus on top of Watermill. A
// Broker owns a registry of named endpoints (MessageUnits), records which
// destinations each endpoint subscribes to, provisions those subscriptions on
// the configured transport and drives the lifecycle of every endpoint.
//
// Each MessageUnit resolves handlers per message type through a
// HandlerRegistry, runs inbound messages through a behavior pipeline before
// dispatch, and sends Publish and Send calls through an outbound pipeline
// before they reach the transport. Handlers are plain typed functions, either
// synchronous or returning a Completion, and run in registration order.
//
// # Transports
//
// The transport is read from Config.PubSubSystem:
//   - channel: in-memory Go channels (default, tests)
//   - kafka: consumer group per endpoint
//   - rabbitmq: durable AMQP queues
//   - nats and nats-jetstream: core NATS or JetStream with a queue group per endpoint
//   - redis-streams: Redis Streams with a consumer group per endpoint
//   - aws: SNS topics fanned out to SQS queues, LocalStack aware
//   - http: webhook style delivery
//
// Custom transports register through RegisterTransport or a TransportRegistry
// in BrokerDependencies.
//
// # Behaviors
//
// Every unit starts with recovery, correlation ids, tracing and statistics on
// the inbound side and correlation ids, origin headers and tracing on the
// outbound side. RetryBehavior, DeadLetterBehavior, FilterBehavior,
// LogMessagesBehavior and JobHooksBehavior are opt-in; the Broker adds retry,
// dead-lettering and Prometheus metrics when Config enables them.
//
// # Observability
//
// With MetricsEnabled the broker serves Prometheus metrics on MetricsPort,
// including Watermill's publish and subscribe collectors. With StatsEnabled it
// serves per-unit statistics as JSON on StatsPort.
package servicebus
