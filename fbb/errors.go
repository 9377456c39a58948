package fbb

import "fmt"

// Error represents an FBB protocol error
type Error struct {
	// Type is the error type
	Type ErrorType

	// Message is a human-readable error message
	Message string

	// Cause is the underlying error, if any
	Cause error
}

// ErrorType categorizes FBB errors
type ErrorType int

const (
	// ErrConfiguration indicates bad constructor arguments,
	// detected before any I/O takes place
	ErrConfiguration ErrorType = iota

	// ErrProtocol indicates a protocol violation (malformed SID,
	// malformed FS response, unexpected token); aborts the session
	ErrProtocol

	// ErrConnection indicates a transport-level failure
	ErrConnection

	// ErrCompression indicates a codec failure; wrapped as
	// ErrProtocol at the session boundary
	ErrCompression

	// ErrTimeout indicates the transport produced no data where the
	// protocol required some
	ErrTimeout
)

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fbb %s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("fbb %s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (t ErrorType) String() string {
	switch t {
	case ErrConfiguration:
		return "configuration error"
	case ErrProtocol:
		return "protocol error"
	case ErrConnection:
		return "connection error"
	case ErrCompression:
		return "compression error"
	case ErrTimeout:
		return "timeout"
	default:
		return "unknown error"
	}
}

// NewError creates a new FBB error
func NewError(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
	}
}

// WrapError creates a new FBB error with an underlying cause
func WrapError(errType ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Cause:   cause,
	}
}

// IsProtocol checks if an error is a protocol error
func IsProtocol(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == ErrProtocol
	}
	return false
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == ErrTimeout
	}
	return false
}

// IsConnection checks if an error is a transport-level error
func IsConnection(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == ErrConnection
	}
	return false
}

// IsConfiguration checks if an error reports bad constructor arguments
func IsConfiguration(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == ErrConfiguration
	}
	return false
}

// IsCompression checks if an error is a codec error
func IsCompression(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == ErrCompression
	}
	return false
}
