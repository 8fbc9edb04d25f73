package domain

import "errors"

// Domain errors
var (
	ErrRatingNotFound     = errors.New("rating not found")
	ErrPercentileNotFound = errors.New("percentile tracker not found")
	ErrTableNotFound      = errors.New("table not found")
	ErrInviteNotFound     = errors.New("invitation not found")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidIdentity    = errors.New("missing or invalid player identity")
	ErrInternalError      = errors.New("internal server error")
	ErrUnknownEventType   = errors.New("unknown match event type")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrRatingNotFound) ||
		errors.Is(err, ErrTableNotFound) ||
		errors.Is(err, ErrInviteNotFound) ||
		errors.Is(err, ErrPercentileNotFound)
}
