package jemzyapi

import (
	"errors"
	"fmt"
)

// FailureKind classifies why an upstream call failed.
type FailureKind string

const (
	// KindTransport means no response was received.
	KindTransport FailureKind = "transport"
	// KindStatus means the server answered with a non-2xx status or refused the mutation.
	KindStatus FailureKind = "status"
	// KindMalformed means the response body did not match the expected schema.
	KindMalformed FailureKind = "malformed"
)

var (
	errMissingBaseURL = errors.New("jemzyapi: base url is required")
	errMissingToken   = errors.New("jemzyapi: session token is required")
	errUnsuccessful   = errors.New("jemzyapi: server reported failure")
)

// RequestError is returned for every failed upstream call.
type RequestError struct {
	Op         string
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s failure (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// KindOf returns the failure kind carried by err, or "" when err is not a RequestError.
func KindOf(err error) FailureKind {
	var requestErr *RequestError
	if errors.As(err, &requestErr) {
		return requestErr.Kind
	}
	return ""
}

// StatusCodeOf returns the upstream HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var requestErr *RequestError
	if errors.As(err, &requestErr) {
		return requestErr.StatusCode
	}
	return 0
}
