package model

import (
	"errors"
	"fmt"
)

// Failure kinds reported to the transport layer. Use errors.Is to test for them.
var (
	// ErrUnsupportedPlatform is returned when a URL does not match any known platform.
	ErrUnsupportedPlatform = errors.New("unsupported platform")

	// ErrFetchTransient is returned when a fetch failed for a reason that may
	// clear up on its own (rate limiting, network errors).
	ErrFetchTransient = errors.New("transient fetch failure")

	// ErrFetchPermanent is returned when the content is gone or invalid.
	ErrFetchPermanent = errors.New("permanent fetch failure")

	// ErrFetchTimeout is returned when a fetch exceeded the configured bound.
	ErrFetchTimeout = errors.New("fetch timed out")

	// ErrStorage is returned when a fetched file could not be stored.
	ErrStorage = errors.New("storage failure")

	// ErrEmptyFile is returned when a fetched file is missing or zero bytes.
	ErrEmptyFile = errors.New("fetched file is empty")
)

// FetchError is the structured failure returned by the relay for a URL.
// Kind is one of the sentinel errors above, Err is the underlying cause.
type FetchError struct {
	Kind error
	Ref  ContentRef
	Err  error
}

func (e *FetchError) Error() string {
	var subject string
	if !e.Ref.IsZero() {
		subject = " " + e.Ref.Key()
	}
	if e.Err == nil {
		return fmt.Sprintf("%v%s", e.Kind, subject)
	}
	return fmt.Sprintf("%v%s: %v", e.Kind, subject, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *FetchError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Retryable reports whether asking again later might succeed without the
// content changing.
func (e *FetchError) Retryable() bool {
	return errors.Is(e.Kind, ErrFetchTransient) ||
		errors.Is(e.Kind, ErrFetchTimeout) ||
		errors.Is(e.Kind, ErrStorage)
}

// NewFetchError builds a FetchError for ref.
func NewFetchError(kind error, ref ContentRef, err error) *FetchError {
	return &FetchError{Kind: kind, Ref: ref, Err: err}
}

// KindOf returns the failure kind carried by err, or nil when err carries none.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrUnsupportedPlatform,
		ErrFetchTimeout,
		ErrFetchPermanent,
		ErrFetchTransient,
		ErrStorage,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
