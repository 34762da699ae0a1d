// Package farmerrors contains the generic errors returned by the scheduler. The HTTP layer looks for
// the types defined here (anywhere in the error chain) to pick a status code.
//
// When several independent problems are found, for example several missing job settings, return a
// *multierror.Error from github.com/hashicorp/go-multierror wrapping the individual errors.
package farmerrors

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrAlreadyExists is returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "manager"
	Value   string // Resource name
	Message string
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is returned whenever some resource isn't found.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is returned when a caller supplied a value that can never be accepted.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "chunk_size"
	Value   interface{} // The invalid value that was provided
	Message string
	// Optional sentinel describing the problem, reachable through errors.Is.
	Err error
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", fmt.Sprint(err.Value), err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", fmt.Sprint(err.Value), err.Name, err.Message)
}

func (err *ErrInvalidArgument) Unwrap() error {
	return err.Err
}

// ErrConflict is returned when a compare-and-set lost against a concurrent writer, or when the
// requested change is not legal from the resource's current state.
type ErrConflict struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrConflict) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("conflicting update to %s %q: %s", err.Type, err.Value, err.Message)
	}
	return fmt.Sprintf("conflicting update to %q: %s", err.Value, err.Message)
}

// ErrInvalidTransition is returned when a status change is not allowed from the current status.
type ErrInvalidTransition struct {
	Type  string
	Value string
	From  string
	To    string
}

func (err *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("%s %q cannot transition from %s to %s", err.Type, err.Value, err.From, err.To)
}

// ErrUnauthenticated is returned when a request carries no, or an unusable, credential.
type ErrUnauthenticated struct {
	Message string
}

func (err *ErrUnauthenticated) Error() string {
	if err.Message == "" {
		return "unauthenticated"
	}
	return "unauthenticated: " + err.Message
}

// HTTPStatusFromError maps error types to HTTP status codes.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return http.StatusNotFound
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return http.StatusUnprocessableEntity
		}
	}
	{
		var e *ErrConflict
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *ErrInvalidTransition
		if errors.As(err, &e) {
			return http.StatusUnprocessableEntity
		}
	}
	{
		var e *ErrUnauthenticated
		if errors.As(err, &e) {
			return http.StatusUnauthorized
		}
	}
	return http.StatusInternalServerError
}
