package transport

import "errors"

var (
	// ErrWouldBlock indicates the transport cannot accept the operation now.
	// It is not a failure; the caller is expected to retry later.
	ErrWouldBlock = errors.New("transport: resource temporarily unavailable")
	// ErrUnsupported indicates the interface does not implement the primitive.
	ErrUnsupported = errors.New("transport: operation not supported")
	// ErrInvalidAccess indicates a remote key does not grant access to the address range.
	ErrInvalidAccess = errors.New("transport: remote access denied")
	// ErrMessageSize indicates a payload exceeds the interface limit.
	ErrMessageSize = errors.New("transport: message too large")
	// ErrClosed indicates the interface or domain has been closed.
	ErrClosed = errors.New("transport: closed")
)
