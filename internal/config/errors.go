package config

import "errors"

var (
	// ErrConfigNotFound is returned when no config file is found at the
	// given path.
	ErrConfigNotFound = errors.New("config file not found")

	// ErrMissingKey is returned when a required key is absent from the file.
	ErrMissingKey = errors.New("missing required config key")

	// ErrInvalidValue is returned when a key's value fails to parse or
	// falls outside its valid range.
	ErrInvalidValue = errors.New("invalid config value")
)
