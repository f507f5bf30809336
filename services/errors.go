package services

import "errors"

var (
	// ErrNotConfigured marks missing credentials or clients. Never retried.
	ErrNotConfigured = errors.New("provider is not configured")
	// ErrNotEnoughImages is returned before any network call when fewer than two references are given.
	ErrNotEnoughImages = errors.New("At least two input images must be provided in input_images array.")
	// ErrUnexpectedOutput marks a provider response of the wrong shape.
	ErrUnexpectedOutput = errors.New("Replicate output format is unexpected.")
	ErrEmptyResponse    = errors.New("provider returned an empty response")
)

// ConfigError carries a user-facing message and matches ErrNotConfigured.
type ConfigError struct {
	Msg string
}

func (e ConfigError) Error() string { return e.Msg }

func (e ConfigError) Is(target error) bool { return target == ErrNotConfigured }
