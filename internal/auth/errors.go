package auth

import "errors"

// ErrNotAuthorized is returned when a peer's network ID is not in the
// authorized-nodes set.
var ErrNotAuthorized = errors.New("node not authorized")
