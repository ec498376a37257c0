// Package errors defines the error taxonomy shared by the licensing API
// client and the reconciliation engine. Callers branch on these types with
// errors.Is / errors.As instead of matching exception hierarchies.
package errors

import (
	"errors"
	"fmt"
)

// ErrStaleFetch reports that the remote collection was mutated while it was
// being paginated. The caller must discard everything fetched so far and
// re-run the whole operation later; partial pages must never be merged.
var ErrStaleFetch = errors.New("fetched data updated during pagination")

// APIError is a remote application error carried as an embedded error code
// in an otherwise successful HTTP response. It is never retried.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d", e.Code)
}

// ConflictError reports a mismatch between the expected and the returned
// server identity. It signals a cross-tenant misconfiguration, not a
// transient fault, and is never retried.
type ConflictError struct {
	Location string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("location %s: server identity mismatch (expected %s, got %s)",
		e.Location, e.Expected, e.Actual)
}

// NotFoundError reports a missing local resource (location, asset,
// pending association). Callers log it and short-circuit safely.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

// NotFound builds a NotFoundError.
func NotFound(resource, key string) *NotFoundError {
	return &NotFoundError{Resource: resource, Key: key}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// APICode returns the embedded application error code carried by err,
// or 0 when err is not an APIError.
func APICode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
