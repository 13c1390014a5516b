package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
)

// DefaultConcurrency is used when an endpoint does not set one.
const DefaultConcurrency = 1

// EndpointConfiguration describes one message unit: its endpoint name, the
// queue it receives on, how many messages it may process at once and the
// destinations it is subscribed to.
//
// Every builder method returns a modified copy, so a configuration handed to a
// unit cannot change underneath it.
type EndpointConfiguration struct {
	endpoint      string
	queue         string
	concurrency   int
	subscriptions []string
}

// NewEndpointConfiguration returns a configuration with default concurrency.
func NewEndpointConfiguration() EndpointConfiguration {
	return EndpointConfiguration{concurrency: DefaultConcurrency}
}

// Endpoint sets the endpoint name.
func (c EndpointConfiguration) Endpoint(name string) EndpointConfiguration {
	c.endpoint = strings.TrimSpace(name)
	return c
}

// Queue overrides the queue the endpoint receives sends on. Defaults to the
// endpoint name.
func (c EndpointConfiguration) Queue(name string) EndpointConfiguration {
	c.queue = strings.TrimSpace(name)
	return c
}

// Concurrency sets the maximum number of messages processed at once.
func (c EndpointConfiguration) Concurrency(n int) EndpointConfiguration {
	c.concurrency = n
	return c
}

// Subscribe adds destinations the endpoint receives publishes from. Duplicates
// are ignored.
func (c EndpointConfiguration) Subscribe(destinations ...string) EndpointConfiguration {
	subs := slices.Clone(c.subscriptions)
	for _, dest := range destinations {
		if dest == "" || slices.Contains(subs, dest) {
			continue
		}
		subs = append(subs, dest)
	}
	c.subscriptions = subs
	return c
}

// EndpointName returns the configured endpoint name.
func (c EndpointConfiguration) EndpointName() string { return c.endpoint }

// EndpointQueue returns the queue name, falling back to the endpoint name.
func (c EndpointConfiguration) EndpointQueue() string {
	if c.queue != "" {
		return c.queue
	}
	return c.endpoint
}

// MaxConcurrency returns the configured concurrency bound.
func (c EndpointConfiguration) MaxConcurrency() int { return c.concurrency }

// Subscriptions returns a copy of the subscribed destinations in subscription
// order.
func (c EndpointConfiguration) Subscriptions() []string {
	return slices.Clone(c.subscriptions)
}

// Validate reports a missing endpoint name or a non-positive concurrency.
func (c EndpointConfiguration) Validate() error {
	var errs []error
	if c.endpoint == "" {
		errs = append(errs, errspkg.ErrEndpointNameRequired)
	}
	if c.concurrency <= 0 {
		errs = append(errs, fmt.Errorf("%w: got %d", errspkg.ErrInvalidConcurrency, c.concurrency))
	}
	if len(errs) == 0 {
		return nil
	}
	return &errspkg.ConfigurationError{Endpoint: c.endpoint, Err: errors.Join(errs...)}
}
