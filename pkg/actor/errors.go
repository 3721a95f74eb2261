// Package actor invokes the reasoning roles of the build loop and validates their structured responses.
package actor

import "errors"

var (
	// ErrInvalidResponse means the model answered but the payload does not match the role's schema.
	ErrInvalidResponse = errors.New("invalid actor response")

	// ErrUnavailable means the model could not be reached after the transport's own retries.
	ErrUnavailable = errors.New("actor unavailable")
)

// IsInvalidResponse reports whether err is a schema failure.
func IsInvalidResponse(err error) bool { return errors.Is(err, ErrInvalidResponse) }

// IsUnavailable reports whether err is a transport failure.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }
