package errors

// Error codes for the event bus contracts. Keep stable; used across adapters and bus.
const (
	ErrCodeConnectionUnavailable = "eventbus.connection_unavailable"
	ErrCodeTopologyConflict      = "eventbus.topology_conflict"
	ErrCodeSerializationFailed   = "eventbus.serialization_failed"
	ErrCodeHandlerFailed         = "eventbus.handler_failed"
	ErrCodePublishFailed         = "eventbus.publish_failed"
	ErrCodeInvalidEventType      = "eventbus.invalid_event_type"
	ErrCodeInvalidVersion        = "eventbus.invalid_version"
	ErrCodeMissingCorrelation    = "eventbus.missing_correlation"
	ErrCodeSchemaNotRegistered   = "eventbus.schema_not_registered"
	ErrCodeSubscriptionNotFound  = "eventbus.subscription_not_found"
	ErrCodeBusClosed             = "eventbus.closed"
	ErrCodeForwardFailed         = "eventbus.forward_failed"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

// Sentinels for errors.Is checks. ErrTopologyConflict is fatal: it signals a deployment
// mismatch, never a transient fault.
var (
	ErrConnectionUnavailable = Code(ErrCodeConnectionUnavailable)
	ErrTopologyConflict      = Code(ErrCodeTopologyConflict)
	ErrSerializationFailed   = Code(ErrCodeSerializationFailed)
	ErrHandlerFailed         = Code(ErrCodeHandlerFailed)
	ErrPublishFailed         = Code(ErrCodePublishFailed)
	ErrInvalidEventType      = Code(ErrCodeInvalidEventType)
	ErrInvalidVersion        = Code(ErrCodeInvalidVersion)
	ErrMissingCorrelation    = Code(ErrCodeMissingCorrelation)
	ErrSchemaNotRegistered   = Code(ErrCodeSchemaNotRegistered)
	ErrSubscriptionNotFound  = Code(ErrCodeSubscriptionNotFound)
	ErrBusClosed             = Code(ErrCodeBusClosed)
	ErrForwardFailed         = Code(ErrCodeForwardFailed)
)
