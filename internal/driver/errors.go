// Package driver wraps a negotiated transport behind the application's
// generic driver surface, translating wire-level error codes into the
// application error taxonomy.
package driver

import (
	"errors"
	"fmt"

	"github.com/dbflux/driverkit/internal/protocol"
)

// Application error taxonomy. Adapter methods wrap one of these sentinels so
// callers branch with errors.Is; the server-supplied message and structured
// context survive alongside in *Error.
var (
	ErrConnectionFailed = errors.New("driver: connection failed")
	ErrInvalidRequest   = errors.New("driver: invalid request")
	ErrQueryFailed      = errors.New("driver: query failed")
	ErrSessionExpired   = errors.New("driver: session expired")
	ErrTimeout          = errors.New("driver: timeout")
	ErrCancelled        = errors.New("driver: cancelled")
	// ErrCapabilityAbsent marks an operation the service intentionally does
	// not implement. It is a capability gap, not a failure: UI code hides
	// the action instead of surfacing an error.
	ErrCapabilityAbsent = errors.New("driver: capability absent")
	ErrInternal         = errors.New("driver: internal driver-host fault")
)

// Error carries the taxonomy sentinel plus the server's message and
// structured context, preserved verbatim rather than flattened into the
// error string.
type Error struct {
	kind    error
	Message string
	Context map[string]string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.kind.Error()
	}
	return fmt.Sprintf("%v: %s", e.kind, e.Message)
}

func (e *Error) Unwrap() error { return e.kind }

// translate maps a transport-layer error onto the application taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	rpcErr, ok := protocol.AsRPCError(err)
	if !ok {
		return &Error{kind: ErrConnectionFailed, Message: err.Error()}
	}

	var kind error
	switch rpcErr.Code {
	case protocol.CodeInvalidRequest:
		kind = ErrInvalidRequest
	case protocol.CodeUnsupportedMethod:
		kind = ErrCapabilityAbsent
	case protocol.CodeVersionMismatch, protocol.CodeTransport:
		kind = ErrConnectionFailed
	case protocol.CodeSessionNotFound:
		kind = ErrSessionExpired
	case protocol.CodeTimeout:
		kind = ErrTimeout
	case protocol.CodeCancelled:
		kind = ErrCancelled
	case protocol.CodeDriver:
		kind = ErrQueryFailed
	default:
		kind = ErrInternal
	}
	return &Error{kind: kind, Message: rpcErr.Message, Context: rpcErr.Context}
}
