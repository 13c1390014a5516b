// Package kafka provides a Kafka transport for servicebus.
package kafka

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/servicebus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// DefaultConsumerGroup prefixes endpoint consumer groups when the config sets none.
const DefaultConsumerGroup = "servicebus"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport. The shared subscriber joins the
// configured consumer group; SubscriberFor gives each endpoint the group
// "<group>.<endpoint>" so endpoint instances split the partitions.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	brokers := cfg.GetKafkaBrokers()
	clientID := cfg.GetKafkaClientID()
	consumerGroup := cfg.GetKafkaConsumerGroup()

	publisherSarama := kafka.DefaultSaramaSyncPublisherConfig()
	if clientID != "" {
		publisherSarama.ClientID = clientID
	}
	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: publisherSarama,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	newSubscriber := func(group string) (message.Subscriber, error) {
		saramaCfg := kafka.DefaultSaramaSubscriberConfig()
		if clientID != "" {
			saramaCfg.ClientID = clientID
		}
		return SubscriberFactory(
			kafka.SubscriberConfig{
				Brokers:               brokers,
				Unmarshaler:           kafka.DefaultMarshaler{},
				ConsumerGroup:         group,
				OverwriteSaramaConfig: saramaCfg,
			},
			logger,
		)
	}

	subscriber, err := newSubscriber(consumerGroup)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		SubscriberFor: func(endpoint string) (message.Subscriber, error) {
			return newSubscriber(EndpointConsumerGroup(consumerGroup, endpoint))
		},
	}, nil
}

// EndpointConsumerGroup names the consumer group of one endpoint.
func EndpointConsumerGroup(group, endpoint string) string {
	if group == "" {
		group = DefaultConsumerGroup
	}
	return fmt.Sprintf("%s.%s", group, endpoint)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
