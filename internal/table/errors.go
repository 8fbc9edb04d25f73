package table

import (
	"errors"
	"fmt"

	"github.com/lobby-ratings/internal/domain"
)

// Sentinel kinds for rejected table requests.
var (
	ErrTableNotFound     = domain.ErrTableNotFound
	ErrInviteNotFound    = domain.ErrInviteNotFound
	ErrAlreadySeated     = errors.New("already seated")
	ErrNotSeated         = errors.New("not seated at table")
	ErrTableFull         = errors.New("table full")
	ErrSeatTaken         = errors.New("seat taken")
	ErrInvalidPosition   = errors.New("invalid position")
	ErrTableStarted      = errors.New("table already started")
	ErrBanned            = errors.New("banned from table")
	ErrNotOwner          = errors.New("not table owner")
	ErrCannotBootSelf    = errors.New("cannot boot self")
	ErrNotEnoughPlayers  = errors.New("not enough players")
	ErrInvalidConfig     = errors.New("invalid table configuration")
	ErrUnknownSimulant   = errors.New("unknown simulant")
	ErrNotInvitee        = errors.New("not the invitee")
	ErrInviteNotPending  = errors.New("invitation already answered")
	ErrInvalidInvitation = errors.New("invalid invitation")
)

// Error is a rejected table request. Reason is short and shown to players.
type Error struct {
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

func reject(op string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, Reason: fmt.Sprintf(format, args...), Err: kind}
}

// Reason returns the player-facing reason of a rejection, or the error text.
func Reason(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Reason
	}
	return err.Error()
}
