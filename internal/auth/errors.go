package auth

import "errors"

var (
	// ErrOptionsConflict is returned by Add when the requested scope is not
	// valid for the authenticator's mode, or when both scopes are requested.
	ErrOptionsConflict = errors.New("options conflict")
	// ErrInvalidScope is returned for a scope with no flag set.
	ErrInvalidScope = errors.New("invalid credential scope")
	// ErrInvalidArgument is returned for a bucket credential without a target name.
	ErrInvalidArgument = errors.New("invalid argument")
)
