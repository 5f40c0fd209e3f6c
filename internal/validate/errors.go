package validate

import "errors"

var (
	// ErrInvalidHost is returned when a host is neither an IP literal nor
	// a DNS name.
	ErrInvalidHost = errors.New("invalid host")

	// ErrInvalidPort is returned when a port number is out of range.
	ErrInvalidPort = errors.New("invalid port")
)
