package servicebus

import (
	"context"

	runtimepkg "github.com/drblury/servicebus/internal/runtime"
	codecpkg "github.com/drblury/servicebus/internal/runtime/codec"
	configpkg "github.com/drblury/servicebus/internal/runtime/config"
	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	idspkg "github.com/drblury/servicebus/internal/runtime/ids"
	jsoncodec "github.com/drblury/servicebus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/servicebus/internal/runtime/logging"
	metadatapkg "github.com/drblury/servicebus/internal/runtime/metadata"
	transportpkg "github.com/drblury/servicebus/transport"

	// Built-in transports register themselves with the default registry.
	_ "github.com/drblury/servicebus/transport/transports"
)

type (
	Config                = configpkg.Config
	EndpointConfiguration = configpkg.EndpointConfiguration

	Broker             = runtimepkg.Broker
	BrokerDependencies = runtimepkg.BrokerDependencies
	MessageUnit        = runtimepkg.MessageUnit
	UnitDependencies   = runtimepkg.UnitDependencies
	UnitState          = runtimepkg.UnitState
	PublishOptions     = runtimepkg.PublishOptions
	SendOptions        = runtimepkg.SendOptions

	Destination   = runtimepkg.Destination
	MessageIntent = runtimepkg.MessageIntent
	MessageType   = runtimepkg.MessageType
	Envelope      = runtimepkg.Envelope

	HandlerContext                 = runtimepkg.HandlerContext
	HandlerDescriptor              = runtimepkg.HandlerDescriptor
	HandlerRegistry                = runtimepkg.HandlerRegistry
	HandlerRegistryFunc            = runtimepkg.HandlerRegistryFunc
	HandlerTable                   = runtimepkg.HandlerTable
	MessageHandler[T any]          = runtimepkg.MessageHandler[T]
	MessageHandlerFunc[T any]      = runtimepkg.MessageHandlerFunc[T]
	AsyncMessageHandler[T any]     = runtimepkg.AsyncMessageHandler[T]
	AsyncMessageHandlerFunc[T any] = runtimepkg.AsyncMessageHandlerFunc[T]
	Completion                     = runtimepkg.Completion

	Behavior             = runtimepkg.Behavior
	BehaviorFunc         = runtimepkg.BehaviorFunc
	BehaviorBuilder      = runtimepkg.BehaviorBuilder
	BehaviorRegistration = runtimepkg.BehaviorRegistration
	Next                 = runtimepkg.Next
	Pipeline             = runtimepkg.Pipeline
	RetryConfig          = runtimepkg.RetryConfig

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	UnitMetrics       = runtimepkg.UnitMetrics
	DeadLetterMetrics = runtimepkg.DeadLetterMetrics
	DeadLetterCounts  = runtimepkg.DeadLetterCounts

	ReceiverAdapter   = runtimepkg.ReceiverAdapter
	WatermillReceiver = runtimepkg.WatermillReceiver
	ReceiverOption    = runtimepkg.ReceiverOption
	TransportMessage  = runtimepkg.TransportMessage
	OnMessage         = runtimepkg.OnMessage
	Closer            = runtimepkg.Closer
	CloserFunc        = runtimepkg.CloserFunc
	DiagnosticFunc    = runtimepkg.DiagnosticFunc
	Pauser            = runtimepkg.Pauser

	Codec = codecpkg.Codec

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	UnitInfo                  = runtimepkg.UnitInfo
	UnitStats                 = runtimepkg.UnitStats
	UnprocessableMessageError = runtimepkg.UnprocessableMessageError
	ConfigValidationError     = errspkg.ConfigValidationError
	ConfigurationError        = errspkg.ConfigurationError
	RoutingError              = errspkg.RoutingError
	HandlerError              = errspkg.HandlerError
	StateError                = errspkg.StateError

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

const (
	UnitCreated  = runtimepkg.UnitCreated
	UnitStarting = runtimepkg.UnitStarting
	UnitRunning  = runtimepkg.UnitRunning
	UnitStopping = runtimepkg.UnitStopping
	UnitStopped  = runtimepkg.UnitStopped

	IntentPublish = runtimepkg.IntentPublish
	IntentSend    = runtimepkg.IntentSend

	MetricsDirectionInbound  = runtimepkg.DirectionInbound
	MetricsDirectionOutbound = runtimepkg.DirectionOutbound
)

var (
	NewMessageUnit           = runtimepkg.NewMessageUnit
	NewEndpointConfiguration = configpkg.NewEndpointConfiguration
	ValidateConfig           = configpkg.ValidateConfig

	Topic           = runtimepkg.Topic
	TypeOf          = runtimepkg.TypeOf
	NewHandlerTable = runtimepkg.NewHandlerTable
	ConsumeWith     = runtimepkg.ConsumeWith
	ConsumeAll      = runtimepkg.ConsumeAll
	AsAsync         = runtimepkg.AsAsync
	Completed       = runtimepkg.Completed
	Go              = runtimepkg.Go

	NewPipeline              = runtimepkg.NewPipeline
	AlwaysRouteToDestination = runtimepkg.AlwaysRouteToDestination

	DefaultBehaviors         = runtimepkg.DefaultBehaviors
	DefaultOutboundBehaviors = runtimepkg.DefaultOutboundBehaviors
	RecovererBehavior        = runtimepkg.RecovererBehavior
	CorrelationIDBehavior    = runtimepkg.CorrelationIDBehavior
	MessageHeadersBehavior   = runtimepkg.MessageHeadersBehavior
	TracerBehavior           = runtimepkg.TracerBehavior
	StatsBehavior            = runtimepkg.StatsBehavior
	MetricsBehavior          = runtimepkg.MetricsBehavior
	RetryBehavior            = runtimepkg.RetryBehavior
	FilterBehavior           = runtimepkg.FilterBehavior
	LogMessagesBehavior      = runtimepkg.LogMessagesBehavior
	DeadLetterBehavior       = runtimepkg.DeadLetterBehavior

	// Job lifecycle hooks
	JobHooksBehavior = runtimepkg.JobHooksBehavior
	LoggingHooks     = runtimepkg.LoggingHooks
	MetricsHooks     = runtimepkg.MetricsHooks
	AlertingHooks    = runtimepkg.AlertingHooks

	NewUnitMetrics       = runtimepkg.NewUnitMetrics
	NewDeadLetterMetrics = runtimepkg.NewDeadLetterMetrics

	NewWatermillReceiver = runtimepkg.NewWatermillReceiver
	WithDiagnostics      = runtimepkg.WithDiagnostics

	NewProtoCodec = codecpkg.NewProto

	// Transport registry
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	NewTransportRegistry     = transportpkg.NewRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrBrokerRequired        = errspkg.ErrBrokerRequired
	ErrUnitRequired          = errspkg.ErrUnitRequired
	ErrEndpointNameRequired  = errspkg.ErrEndpointNameRequired
	ErrInvalidConcurrency    = errspkg.ErrInvalidConcurrency
	ErrDuplicateEndpoint     = errspkg.ErrDuplicateEndpoint
	ErrDestinationRequired   = errspkg.ErrDestinationRequired
	ErrDestinationUnresolved = errspkg.ErrDestinationUnresolved
	ErrInvalidState          = errspkg.ErrInvalidState
	ErrUnitStopping          = errspkg.ErrUnitStopping
	ErrPipelinesBuilt        = errspkg.ErrPipelinesBuilt
	ErrNoReceiver            = errspkg.ErrNoReceiver
	ErrMessageRequired       = errspkg.ErrMessageRequired
	ErrUnknownMessageType    = errspkg.ErrUnknownMessageType
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrRegistryRequired      = errspkg.ErrRegistryRequired
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrPublisherRequired     = errspkg.ErrPublisherRequired
	ErrSubscriberRequired    = errspkg.ErrSubscriberRequired

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyMessageID          = metadatapkg.KeyMessageID
	MetadataKeyMessageType        = metadatapkg.KeyMessageType
	MetadataKeyCorrelationID      = metadatapkg.KeyCorrelationID
	MetadataKeyMessageIntent      = metadatapkg.KeyMessageIntent
	MetadataKeyOriginEndpoint     = metadatapkg.KeyOriginEndpoint
	MetadataKeyEnqueuedAt         = metadatapkg.KeyEnqueuedAt
	MetadataKeyContentType        = metadatapkg.KeyContentType
	MetadataKeyTraceID            = metadatapkg.KeyTraceID
	MetadataKeySpanID             = metadatapkg.KeySpanID
	MetadataKeyDeadLetterReason   = metadatapkg.KeyDeadLetterReason
	MetadataKeyDeadLetterEndpoint = metadatapkg.KeyDeadLetterEndpoint
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryHandler    = runtimepkg.ErrorCategoryHandler
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// NewBroker validates conf, connects the configured transport and returns a
// broker with no units.
func NewBroker(ctx context.Context, conf *Config, log ServiceLogger, deps BrokerDependencies) (*Broker, error) {
	return runtimepkg.NewBroker(ctx, conf, log, deps)
}

func TypeFor[T any]() MessageType {
	return runtimepkg.TypeFor[T]()
}

func Handle[T any](h MessageHandler[T]) HandlerDescriptor {
	return runtimepkg.Handle(h)
}

func HandleFunc[T any](fn func(ctx context.Context, msg T, hc HandlerContext) error) HandlerDescriptor {
	return runtimepkg.HandleFunc(fn)
}

func HandleAsync[T any](h AsyncMessageHandler[T]) HandlerDescriptor {
	return runtimepkg.HandleAsync(h)
}

func HandleAsyncFunc[T any](fn func(ctx context.Context, msg T, hc HandlerContext) Completion) HandlerDescriptor {
	return runtimepkg.HandleAsyncFunc(fn)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
