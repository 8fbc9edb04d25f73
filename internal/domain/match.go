package domain

import "time"

// MatchEventType names a game lifecycle event.
type MatchEventType string

const (
	EventGameWillStart MatchEventType = "game_will_start"
	EventGameDidEnd    MatchEventType = "game_did_end"
	EventBodyEntered   MatchEventType = "body_entered"
	EventBodyLeft      MatchEventType = "body_left"
)

// MatchEvent is a lifecycle event published by a game server.
type MatchEvent struct {
	Type    MatchEventType `json:"type"`
	MatchID int            `json:"match_id"`
	GameID  int            `json:"game_id"`
	Rated   bool           `json:"rated"`

	// Players holds the seated occupants by position for game_will_start.
	Players []*Player `json:"players,omitempty"`

	// Player and Position describe the occupant of body_entered/body_left.
	Player   *Player `json:"player,omitempty"`
	Position int     `json:"position,omitempty"`

	// Outcome of game_did_end.
	Winners []bool    `json:"winners,omitempty"`
	Draw    bool      `json:"draw,omitempty"`
	Scores  []float64 `json:"scores,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// MatchOutcome is the result of a finished match.
type MatchOutcome struct {
	Winners []bool
	Draw    bool
	// Scores are optional per-seat scores fed to the percentile tracker.
	Scores  []float64
	EndedAt time.Time
}

// IsWinner reports whether the seat won.
func (o MatchOutcome) IsWinner(pidx int) bool {
	return pidx >= 0 && pidx < len(o.Winners) && o.Winners[pidx]
}
