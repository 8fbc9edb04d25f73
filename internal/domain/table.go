package domain

import "time"

// NoGame is the GameOID of a table whose game has not been created yet.
const NoGame = -1

// TableConfig describes the seating of a table.
type TableConfig struct {
	// DesiredPlayerCount is the number of seats. Zero denotes a party game
	// which has no seats and starts as soon as it is created.
	DesiredPlayerCount int  `json:"desired_player_count"`
	MinimumPlayerCount int  `json:"minimum_player_count"`
	Private            bool `json:"private,omitempty"`
}

// IsPartyGame reports whether the configuration describes a seatless game.
func (c TableConfig) IsPartyGame() bool {
	return c.DesiredPlayerCount == 0
}

// GameConfig describes the game a table will start.
type GameConfig struct {
	GameIdent string `json:"game_ident"`
	// GameID keys ratings and percentiles for this game.
	GameID int  `json:"game_id"`
	Rated  bool `json:"rated"`
	// Simulants lists AI players by registered factory key.
	Simulants []string `json:"simulants,omitempty"`
}

// Table is a matchmaking unit: a set of seats for one prospective match.
type Table struct {
	TableID     int         `json:"table_id"`
	LobbyID     string      `json:"lobby_id"`
	Players     []*Player   `json:"players"`
	GameOID     int         `json:"game_oid"`
	Config      GameConfig  `json:"game_config"`
	TableConfig TableConfig `json:"table_config"`
	CreatedAt   time.Time   `json:"created_at"`

	// BannedBodies lists occupants booted from this table.
	BannedBodies []int `json:"banned_bodies,omitempty"`
}

// Occupants returns the number of filled seats.
func (t *Table) Occupants() int {
	n := 0
	for _, p := range t.Players {
		if p != nil {
			n++
		}
	}
	return n
}

// IsFull reports whether every seat is taken.
func (t *Table) IsFull() bool {
	return t.Occupants() == len(t.Players)
}

// IsEmpty reports whether every seat is vacant.
func (t *Table) IsEmpty() bool {
	return t.Occupants() == 0
}

// InPlay reports whether the table's game has been created.
func (t *Table) InPlay() bool {
	return t.GameOID != NoGame
}

// Position returns the seat of the given body, or -1.
func (t *Table) Position(bodyOID int) int {
	for i, p := range t.Players {
		if p != nil && p.BodyOID == bodyOID {
			return i
		}
	}
	return -1
}

// IsBanned reports whether the body was booted from this table.
func (t *Table) IsBanned(bodyOID int) bool {
	for _, b := range t.BannedBodies {
		if b == bodyOID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy suitable for publishing outside the registry.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	c := *t
	c.Players = make([]*Player, len(t.Players))
	for i, p := range t.Players {
		c.Players[i] = p.Clone()
	}
	c.BannedBodies = append([]int(nil), t.BannedBodies...)
	c.Config.Simulants = append([]string(nil), t.Config.Simulants...)
	return &c
}

// TableEventKind names a change to the replicated table set.
type TableEventKind string

const (
	TableAdded   TableEventKind = "table_added"
	TableUpdated TableEventKind = "table_updated"
	TableRemoved TableEventKind = "table_removed"
)

// TableEvent is a change to a lobby's table set.
type TableEvent struct {
	Kind    TableEventKind `json:"kind"`
	LobbyID string         `json:"lobby_id"`
	TableID int            `json:"table_id"`
	// Table is nil for removals.
	Table *Table `json:"table,omitempty"`
}

// CreateTableRequest is the body of a table creation call.
type CreateTableRequest struct {
	TableConfig TableConfig `json:"table_config"`
	GameConfig  GameConfig  `json:"game_config"`
}

// JoinTableRequest is the body of a join call.
type JoinTableRequest struct {
	Position int `json:"position"`
}

// BootPlayerRequest is the body of a boot call.
type BootPlayerRequest struct {
	TargetBodyOID int `json:"target_body_oid"`
}
