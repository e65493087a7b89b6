package resolver

import (
	"errors"
	"fmt"
)

// Kind classifies a resolution failure by the stage that produced it
type Kind string

const (
	KindInput       Kind = "input"
	KindCache       Kind = "cache"
	KindRemote      Kind = "remote"
	KindGrounding   Kind = "grounding"
	KindPersistence Kind = "persistence"
	KindStorage     Kind = "storage"
)

// Error is a failed resolution
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or "" if
// there is none.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

func fail(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
