package saver

import (
	"errors"
	"fmt"
)

// Business errors: expected, caused by the link the user supplied. These are never retried and reach the caller
// unchanged, so they can be matched with errors.Is.
var (
	ErrInvalidLink          = errors.New("invalid link")
	ErrUnsupportedOrigin    = errors.New("unsupported link origin")
	ErrObjectNotFound       = errors.New("object not found")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrEntityTooLarge       = errors.New("entity too large")
)

// ErrFault is wrapped by every infrastructure failure surfaced from the acquisition service.
var ErrFault = errors.New("acquisition failed")

var businessErrors = []error{
	ErrInvalidLink,
	ErrUnsupportedOrigin,
	ErrObjectNotFound,
	ErrUnsupportedMediaType,
	ErrEntityTooLarge,
}

// IsBusiness returns true if err is (or wraps) one of the business errors.
func IsBusiness(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// A FaultError is an infrastructure failure that persisted after the bounded retries.
type FaultError struct {
	Link     string
	Backend  string
	Attempts int
	Err      error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%v: backend %q, link %q, %d attempt(s): %v", ErrFault, e.Backend, e.Link, e.Attempts, e.Err)
}

func (e *FaultError) Unwrap() []error {
	return []error{ErrFault, e.Err}
}

var userMessages = map[error]string{
	ErrInvalidLink:          "Wrong link format",
	ErrUnsupportedOrigin:    "Unsupported link origin",
	ErrObjectNotFound:       "File not found",
	ErrUnsupportedMediaType: "Unsupported media type",
	ErrEntityTooLarge:       "Entity too large",
}

// UserMessage translates an error from Service.Acquire into text that can be shown to an end user. Anything that
// isn't a business error gets a generic message; the details belong in the logs.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return userMessages[target]
		}
	}
	return "Something went wrong, please try again later"
}
