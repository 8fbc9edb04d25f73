package percentile

import "errors"

// Sentinel kinds for percentile errors.
var (
	ErrInvalidBlob = errors.New("invalid percentile blob")
)
