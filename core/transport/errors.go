package transport

import "fmt"

// Error codes for transport operations
const (
	ErrCodeDeliveryFailure = "DELIVERY_FAILURE"
	ErrCodeConnectionLost  = "CONNECTION_LOST"
	ErrCodeDialFailed      = "DIAL_FAILED"
	ErrCodeCircuitOpen     = "CIRCUIT_OPEN"
	ErrCodeResolveFailed   = "RESOLVE_FAILED"
	ErrCodeBadEnvelope     = "BAD_ENVELOPE"
)

// Error carries a code for programmatic handling plus the peer it concerns.
// A DELIVERY_FAILURE is surfaced to the sender and never retried by the
// transport; reconnection happens lazily on the next send.
type Error struct {
	Code     string
	Message  string
	Endpoint Endpoint
	Cause    error
}

func (e *Error) Error() string {
	target := ""
	if !e.Endpoint.IsZero() {
		target = " peer=" + e.Endpoint.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s%s: %v", e.Code, e.Message, target, e.Cause)
	}
	return fmt.Sprintf("[%s] %s%s", e.Code, e.Message, target)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code, message string, ep Endpoint, cause error) *Error {
	return &Error{Code: code, Message: message, Endpoint: ep, Cause: cause}
}

// IsCode reports whether err is a transport *Error with the given code.
func IsCode(err error, code string) bool {
	for err != nil {
		if te, ok := err.(*Error); ok && te.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
