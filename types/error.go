// Package types holds sentinel errors and small value types shared across
// acrsync packages.
package types

import "errors"

var (
	// ErrCanceled if the context was canceled
	ErrCanceled = errors.New("context was canceled")
	// ErrEmptyChallenge indicates an issue with the received challenge in the WWW-Authenticate header
	ErrEmptyChallenge = errors.New("empty challenge header")
	// ErrHTTPStatus if the http status code was unexpected
	ErrHTTPStatus = errors.New("unexpected http status code")
	// ErrInvalidChallenge indicates an issue with the received challenge in the WWW-Authenticate header
	ErrInvalidChallenge = errors.New("invalid challenge header")
	// ErrInvalidInput indicates a required field is missing or malformed
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidLetterRange if a letter filter expression cannot be parsed
	ErrInvalidLetterRange = errors.New("invalid letter range")
	// ErrInvalidPattern if an ignore rule cannot be compiled
	ErrInvalidPattern = errors.New("invalid ignore pattern")
	// ErrMissingInput returned when a required input is not provided
	ErrMissingInput = errors.New("required input missing")
	// ErrNotFound isn't there, search for your value elsewhere
	ErrNotFound = errors.New("not found")
	// ErrNotImplemented returned when method has not been implemented yet
	ErrNotImplemented = errors.New("not implemented")
	// ErrRateLimit when requests exceed server rate limit
	ErrRateLimit = errors.New("rate limit exceeded")
	// ErrRunFailed when a sync run completes with failed repositories or actions
	ErrRunFailed = errors.New("run completed with failures")
	// ErrUnauthorized when authentication fails
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnsupportedAPI happens when an API is not supported on a registry
	ErrUnsupportedAPI = errors.New("unsupported API")
	// ErrUnsupportedConfigVersion happens when config file version is greater than this command supports
	ErrUnsupportedConfigVersion = errors.New("unsupported config version")
)
