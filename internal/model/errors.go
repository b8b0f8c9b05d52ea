package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for user-visible rejections. Both are synchronous and
// leave state unchanged.
var (
	// ErrNotFound means the referenced feed or subscription does not exist
	// for the given chat.
	ErrNotFound = errors.New("not found")

	// ErrInvalidFilter means a user-supplied filter pattern failed to
	// compile. The pattern is never stored.
	ErrInvalidFilter = errors.New("invalid filter")
)

// FetchError reports a failed feed retrieval: network failure, an HTTP
// error status, or an unparsable body.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
