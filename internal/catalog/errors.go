package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks connection failures, timeouts and non-2xx responses.
	ErrTransport = errors.New("transport failure")
	// ErrDecode marks a 2xx response whose body is not a listing document.
	ErrDecode = errors.New("malformed listing response")
)

// TransportError is returned once every fetch attempt has failed.
type TransportError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d after %d attempt(s)", e.URL, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("fetch %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports ErrTransport equivalence.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// DecodeError wraps a body that could not be decoded.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports ErrDecode equivalence.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }
