package auth

import "errors"

var (
	// ErrNoNewChallenge indicates a challenge update did not result in any change
	ErrNoNewChallenge = errors.New("no new challenge")
	// ErrParseFailure indicates the WWW-Authenticate header could not be parsed
	ErrParseFailure = errors.New("parse failure")
	// ErrUnsupported indicates the response cannot be handled by this auth type
	ErrUnsupported = errors.New("unsupported")
)
