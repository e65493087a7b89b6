package vision

import (
	"errors"
	"fmt"
)

var (
	// ErrOverloaded means the service reported it is over capacity
	ErrOverloaded = errors.New("vision service overloaded")
	// ErrRateLimited means the caller exceeded the service rate limit
	ErrRateLimited = errors.New("vision service rate limited")
	// ErrService is a service-reported model failure
	ErrService = errors.New("vision service error")
	// ErrMalformedAnswer means the model reply was not the expected JSON
	ErrMalformedAnswer = errors.New("malformed vision answer")
	// ErrEmptyAnswer means the service returned no content
	ErrEmptyAnswer = errors.New("empty vision answer")
)

// service error codes
const (
	codeModelError = 20012
	codeOverloaded = 50505
)

// ExhaustedError is returned once every attempt has failed. It unwraps to the
// last failure.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("vision analysis failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }
