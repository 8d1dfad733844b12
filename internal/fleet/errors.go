package fleet

import "errors"

// Sentinel errors for the connection lifecycle and payment path.
// Payment callers see the stable code strings below, never these values
// directly.
var (
	ErrNoReaderFound        = errors.New("no reader found")
	ErrDriver               = errors.New("driver error")
	ErrTimeout              = errors.New("collection timed out")
	ErrProcessor            = errors.New("processor error")
	ErrNoAvailableTerminals = errors.New("no available terminals")
	ErrHealthCheck          = errors.New("health check failed")
	ErrUnknownTerminal      = errors.New("unknown terminal")
)

const (
	CodeNoReaderFound        = "no_reader_found"
	CodeDriverError          = "driver_error"
	CodeTimeout              = "timeout"
	CodeProcessorError       = "processor_error"
	CodeNoAvailableTerminals = "no_available_terminals"
	CodeHealthCheckFailure   = "health_check_failure"
	CodeCancelled            = "cancelled"
)

// Code maps an error from the payment path to its stable wire code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrNoAvailableTerminals):
		return CodeNoAvailableTerminals
	case errors.Is(err, ErrNoReaderFound):
		return CodeNoReaderFound
	case errors.Is(err, ErrDriver):
		return CodeDriverError
	case errors.Is(err, ErrHealthCheck):
		return CodeHealthCheckFailure
	default:
		return CodeProcessorError
	}
}
