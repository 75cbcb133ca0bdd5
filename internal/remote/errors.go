package remote

import (
	"errors"
	"fmt"
)

// Sentinel errors for remote sync failures.
var (
	// ErrConnection marks a request that never got an HTTP response. Only
	// these are retried.
	ErrConnection = errors.New("remote unreachable")
	// ErrTimeout is returned once connection failures outlast the retry budget.
	ErrTimeout = errors.New("remote retry budget exhausted")
	// ErrNoEndpoint means no callback URL is registered.
	ErrNoEndpoint = errors.New("no remote endpoint registered")
	// ErrNoSite means the registered endpoint has no remote site assigned.
	ErrNoSite = errors.New("remote endpoint has no site")
	// ErrDependency wraps the failure of a referenced entity's sync.
	ErrDependency = errors.New("dependency sync failed")
	// ErrMalformedResponse means a 2xx response could not be interpreted.
	ErrMalformedResponse = errors.New("malformed remote response")
)

// RejectedError is an HTTP response other than 200 or 201. It is terminal for
// the attempt and never retried.
type RejectedError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("remote rejected %s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}
