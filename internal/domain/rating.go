package domain

import "time"

// Rating bounds and defaults shared by the engine and the store.
const (
	MinimumRating = 1000
	MaximumRating = 3000
	DefaultRating = 1200

	// ProvisionalExperience is the number of rated matches after which a
	// rating stops being provisional.
	ProvisionalExperience = 20
)

// Rating is a player's skill rating in one game together with the number of
// rated matches it was built from.
type Rating struct {
	Rating     int `json:"rating"`
	Experience int `json:"experience"`
}

// NewRating returns the rating assigned to a player with no history.
func NewRating() Rating {
	return Rating{Rating: DefaultRating}
}

// IsProvisional reports whether the rating is still based on too few
// matches to be trusted.
func (r Rating) IsProvisional() bool {
	return r.Experience < ProvisionalExperience
}

// PlayerRating is a rating held in memory for the duration of a match.
type PlayerRating struct {
	Rating

	PlayerID int    `json:"player_id"`
	BodyOID  int    `json:"body_oid"`
	Name     string `json:"name"`

	// Modified is set after an in-memory update and cleared once that
	// value has been persisted.
	Modified bool `json:"-"`
}

// CloneForSave returns a detached copy for an asynchronous write so that
// further in-match updates cannot race with it.
func (p *PlayerRating) CloneForSave() PlayerRating {
	return *p
}

// RatingRecord is a persisted rating row.
type RatingRecord struct {
	GameID      int       `json:"game_id"`
	PlayerID    int       `json:"player_id"`
	Rating      int       `json:"rating"`
	Experience  int       `json:"experience"`
	LastUpdated time.Time `json:"last_updated"`
}

// Value returns the rating portion of the record.
func (r RatingRecord) Value() Rating {
	return Rating{Rating: r.Rating, Experience: r.Experience}
}

// TopRatingsQuery selects rows for a rating leaderboard.
type TopRatingsQuery struct {
	GameID int
	Limit  int
	// MaxAge excludes ratings not updated within the window; zero disables it.
	MaxAge time.Duration
	// PlayerIDs restricts the result to these players when non-empty.
	PlayerIDs []int
}
