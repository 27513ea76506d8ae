package cost

import "errors"

// ErrNoPoolAvailable is returned when no candidate survives filtering.
var ErrNoPoolAvailable = errors.New("no pool available")
