package hachimi

import (
	"errors"
	"fmt"
	"time"
)

// Caller-misuse and routing failures. Reported immediately, never retried.
var (
	ErrUnknownTool       = errors.New("unknown tool")
	ErrUnknownServer     = errors.New("unknown server")
	ErrDuplicateServer   = errors.New("duplicate server")
	ErrServerUnavailable = errors.New("server unavailable")
)

// ErrLLM is a failure of the language-model capability.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from an HTTP capability endpoint.
// RetryAfter carries the parsed Retry-After header when present.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// TransportError is a connection, handshake, or call failure on one
// server's transport, tagged with the offending server's name.
type TransportError struct {
	Server string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("server %q: %v", e.Server, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether a tool-invocation error should go through
// the orchestration loop's retry path: unavailable servers and transport
// faults qualify; routing errors (unknown tool/server) do not.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrServerUnavailable) {
		return true
	}
	var te *TransportError
	return errors.As(err, &te)
}
