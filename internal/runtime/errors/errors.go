package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrBrokerRequired        = sterrors.New("servicebus: broker is required")
	ErrUnitRequired          = sterrors.New("servicebus: message unit is required")
	ErrEndpointNameRequired  = sterrors.New("servicebus: endpoint name is required")
	ErrInvalidConcurrency    = sterrors.New("servicebus: concurrency must be a positive integer")
	ErrDuplicateEndpoint     = sterrors.New("servicebus: endpoint is already registered")
	ErrDestinationRequired   = sterrors.New("servicebus: destination is required")
	ErrDestinationUnresolved = sterrors.New("servicebus: destination could not be resolved")
	ErrInvalidState          = sterrors.New("servicebus: operation not allowed in the current unit state")
	ErrUnitStopping          = sterrors.New("servicebus: unit is no longer admitting messages")
	ErrPipelinesBuilt        = sterrors.New("servicebus: unit pipelines are already built")
	ErrNoReceiver            = sterrors.New("servicebus: receiver adapter is required")
	ErrMessageRequired       = sterrors.New("servicebus: message is required")
	ErrUnknownMessageType    = sterrors.New("servicebus: message type header is missing")
	ErrHandlerRequired       = sterrors.New("servicebus: handler is required")
	ErrRegistryRequired      = sterrors.New("servicebus: handler registry is required")
	ErrConfigRequired        = sterrors.New("servicebus: configuration is required")
	ErrLoggerRequired        = sterrors.New("servicebus: logger is required")
	ErrPublisherRequired     = sterrors.New("servicebus: publisher is required")
	ErrSubscriberRequired    = sterrors.New("servicebus: subscriber is required")
)

// ConfigValidationError wraps errors returned by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "servicebus: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// ConfigurationError reports an invalid or duplicate endpoint registration.
type ConfigurationError struct {
	Endpoint string
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("servicebus: configuration error for endpoint %q: %v", e.Endpoint, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// RoutingError reports an outbound pipeline that finished without a destination
// or a transmit the transport refused.
type RoutingError struct {
	Endpoint    string
	MessageType string
	Err         error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("servicebus: routing %s from endpoint %q failed: %v", e.MessageType, e.Endpoint, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// HandlerError is returned when a handler fails during inbound dispatch.
type HandlerError struct {
	Handler     string
	MessageType string
	MessageID   string
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("servicebus: handler %s failed for %s (message %s): %v", e.Handler, e.MessageType, e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// StateError reports an operation attempted in a unit state that forbids it.
type StateError struct {
	Endpoint  string
	Operation string
	State     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("servicebus: cannot %s on endpoint %q in state %s", e.Operation, e.Endpoint, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }
