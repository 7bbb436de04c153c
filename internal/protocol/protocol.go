// Package protocol defines the closed, versioned request/response catalog
// exchanged with driver-host services, along with the capability flags and
// structured error codes carried during the handshake and every call.
package protocol

import (
	"errors"
	"fmt"
)

// Version is the highest protocol version this build speaks. Hello carries
// the full list of versions each side accepts; the handshake settles on the
// highest value both share or fails with CodeVersionMismatch.
const Version = 1

// SupportedVersions lists every version this build accepts, newest first.
var SupportedVersions = []int{Version}

// Negotiate picks the highest version present in both lists.
func Negotiate(client, server []int) (int, bool) {
	best := -1
	for _, c := range client {
		for _, s := range server {
			if c == s && c > best {
				best = c
			}
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// Capability names an optional protocol feature a service may grant during
// the handshake. Callers must treat an absent capability as "operation
// unavailable", not as an error.
type Capability string

const (
	CapCancellation        Capability = "cancellation"
	CapSchemaIntrospection Capability = "schema_introspection"
	CapMultiDatabase       Capability = "multi_database"

	// CapChunkedResults is part of the wire catalog but no chunked
	// operation exists yet, so it is never requested or granted.
	CapChunkedResults Capability = "chunked_results"
)

// AllCapabilities is the full set a client requests by default. Every entry
// here is backed by an implemented operation.
var AllCapabilities = []Capability{
	CapCancellation,
	CapSchemaIntrospection,
	CapMultiDatabase,
}

// HasCapability reports whether set contains c.
func HasCapability(set []Capability, c Capability) bool {
	for _, have := range set {
		if have == c {
			return true
		}
	}
	return false
}

// ErrorCode is the wire-level error taxonomy.
type ErrorCode string

const (
	CodeInvalidRequest    ErrorCode = "invalid_request"
	CodeUnsupportedMethod ErrorCode = "unsupported_method"
	CodeVersionMismatch   ErrorCode = "version_mismatch"
	CodeSessionNotFound   ErrorCode = "session_not_found"
	CodeTimeout           ErrorCode = "timeout"
	CodeCancelled         ErrorCode = "cancelled"
	// CodeTransport is generated client-side for framing/socket failures and
	// is never sent over the wire.
	CodeTransport ErrorCode = "transport"
	CodeDriver    ErrorCode = "driver"
	CodeInternal  ErrorCode = "internal"
)

// RPCError is the structured error variant. Context carries optional
// server-supplied detail (column, constraint) and must be preserved verbatim
// by every layer that propagates the error.
type RPCError struct {
	Code    ErrorCode         `json:"code"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error [%s]: %s", e.Code, e.Message)
}

// Errorf builds an RPCError without structured context.
func Errorf(code ErrorCode, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsRPCError unwraps err to an *RPCError if one is in its chain.
func AsRPCError(err error) (*RPCError, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}
