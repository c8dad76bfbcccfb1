package capture

import "errors"

// ErrNoDefaultRoute is returned when no default route exists.
var ErrNoDefaultRoute = errors.New("no default route")
