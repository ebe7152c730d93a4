package query

import (
	"errors"
	"fmt"
)

var (
	// ErrNoFetcher is returned by Query when no data store is configured.
	ErrNoFetcher = errors.New("query: no fetcher configured")
	// ErrNoTagSource is returned by Tags when no tag source is configured.
	ErrNoTagSource = errors.New("query: no tag source configured")
)

// ValidationError reports bad caller input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// FetchError wraps a data store failure, including cancellation.
type FetchError struct {
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed: %v", e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}
