// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/servicebus/transport/aws"
	_ "github.com/drblury/servicebus/transport/channel"
	_ "github.com/drblury/servicebus/transport/http"
	_ "github.com/drblury/servicebus/transport/jetstream"
	_ "github.com/drblury/servicebus/transport/kafka"
	_ "github.com/drblury/servicebus/transport/nats"
	_ "github.com/drblury/servicebus/transport/rabbitmq"
	_ "github.com/drblury/servicebus/transport/redisstream"
)
