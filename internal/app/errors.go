package app

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across both protocol clients.
var (
	// ErrStreamAborted is returned when the caller cancels an in-flight
	// request. The UI suppresses the error banner for this one.
	ErrStreamAborted = errors.New("stream aborted")

	// ErrEmptyResponse is returned on a successful transport exchange that
	// carried no usable content. Not retried.
	ErrEmptyResponse = errors.New("no response")
)

// TransportError wraps a network-level failure. Retryable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is an HTTP status >= 400 or a vendor error payload.
// Not retried once classified, except 5xx which is treated as transient.
type ProtocolError struct {
	Status int
	Body   string
}

func (e *ProtocolError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	if e.Status > 0 {
		return fmt.Sprintf("api error (status %d): %s", e.Status, body)
	}
	return fmt.Sprintf("api error: %s", body)
}

// Retryable reports whether the error is worth another attempt.
func (e *ProtocolError) Retryable() bool { return e.Status >= 500 }

// ToolNotAllowedError is a tool-mask rejection. It is surfaced back into the
// conversation as a tool-error result, never as a turn failure.
type ToolNotAllowedError struct {
	ToolID  string
	Allowed []string
}

func (e *ToolNotAllowedError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("tool %q is not allowed for this request (no tools are allowed)", e.ToolID)
	}
	return fmt.Sprintf("tool %q is not allowed for this request; allowed tools: %s", e.ToolID, strings.Join(e.Allowed, ", "))
}

// isRetryable classifies an error for the request retry loop.
func isRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}
