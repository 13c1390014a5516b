// Package transport defines the core interfaces and types for servicebus transports.
// Each transport implementation (kafka, rabbitmq, aws, etc.) lives in its own
// sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// SubscriberFor optionally builds a dedicated subscriber for one endpoint,
	// so instances of the same endpoint compete for messages (a consumer
	// group, queue group or queue per endpoint). The caller owns and closes
	// the returned subscriber. Nil means every endpoint shares Subscriber.
	SubscriberFor func(endpoint string) (message.Subscriber, error)

	// OnClose releases resources shared by publisher and subscribers, such
	// as a connection. It runs after both are closed.
	OnClose func() error
}

// Close closes the shared publisher and subscriber, then runs OnClose. A value
// implementing both is closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if t.Subscriber != nil && !sameValue(t.Publisher, t.Subscriber) {
		if err := t.Subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}
	if t.OnClose != nil {
		if err := t.OnClose(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sameValue(pub message.Publisher, sub message.Subscriber) bool {
	if pub == nil || sub == nil {
		return false
	}
	p, ok := pub.(interface{ Close() error })
	if !ok {
		return false
	}
	s, ok := sub.(interface{ Close() error })
	if !ok {
		return false
	}
	defer func() { _ = recover() }()
	return p == s
}

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Builder that is registered by name.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetNATSClientName() string

	// Redis
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
