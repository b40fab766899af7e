package proto

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported means a protocol cannot serve an operation. It is an
	// expected outcome of init and moves selection on to other candidates.
	ErrUnsupported = errors.New("proto: unsupported")
	// ErrInvalidParam reports a malformed argument.
	ErrInvalidParam = errors.New("proto: invalid parameter")
	// ErrRemoteLookup means the peer has no protocol for the synthesised
	// remote operation.
	ErrRemoteLookup = errors.New("proto: remote protocol lookup failed")
	// ErrRegistration reports a failed memory registration.
	ErrRegistration = errors.New("proto: memory registration failed")
	// ErrTruncated means the incoming message is larger than the receive buffer.
	ErrTruncated = errors.New("proto: message truncated")
	// ErrNoProtocol means no registered protocol covers the requested length.
	ErrNoProtocol = errors.New("proto: no protocol available")
	// ErrCanceled means the request was withdrawn before it matched.
	ErrCanceled = errors.New("proto: request canceled")
)

// InitError records which protocol failed to initialise.
type InitError struct {
	Proto string
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("proto: init %s: %v", e.Proto, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Wire status codes carried in acknowledgement headers.
const (
	StatusOK           int8 = 0
	StatusUnsupported  int8 = -1
	StatusInvalid      int8 = -2
	StatusRegistration int8 = -3
	StatusTruncated    int8 = -4
	StatusNoProtocol   int8 = -5
	StatusRemoteLookup int8 = -6
	StatusIOError      int8 = -7
	StatusCanceled     int8 = -8
)

// ErrRemote is returned for a failure reported by the peer with a status
// this side does not map to a sentinel.
var ErrRemote = errors.New("proto: remote failure")

var statusErrors = []struct {
	code int8
	err  error
}{
	{StatusUnsupported, ErrUnsupported},
	{StatusInvalid, ErrInvalidParam},
	{StatusRegistration, ErrRegistration},
	{StatusTruncated, ErrTruncated},
	{StatusNoProtocol, ErrNoProtocol},
	{StatusRemoteLookup, ErrRemoteLookup},
	{StatusCanceled, ErrCanceled},
}

// StatusCode maps err to a wire status.
func StatusCode(err error) int8 {
	if err == nil {
		return StatusOK
	}
	for _, s := range statusErrors {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	return StatusIOError
}

// StatusError maps a wire status back to an error.
func StatusError(code int8) error {
	if code == StatusOK {
		return nil
	}
	for _, s := range statusErrors {
		if s.code == code {
			return s.err
		}
	}
	return fmt.Errorf("%w: status %d", ErrRemote, code)
}
