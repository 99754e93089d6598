package client

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest is returned before any network call when the inputs are unusable.
var ErrInvalidRequest = errors.New("invalid request")

// TransportError reports a network failure, a timeout or a non-2xx response.
type TransportError struct {
	Op         string // "token" or "jwks"
	URL        string
	StatusCode int // 0 when no response was received
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s request to %s returned status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s request to %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the request was abandoned because of a deadline.
func (e *TransportError) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

// DecodeError reports a response body that does not match the expected shape.
type DecodeError struct {
	Op  string
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s response from %s: %v", e.Op, e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
