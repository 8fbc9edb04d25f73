package domain

// Player identifies an occupant of a lobby or game.
type Player struct {
	// BodyOID is the session-scoped identity of the connected occupant.
	BodyOID int `json:"body_oid"`
	// PlayerID is the persistent account id; zero means a guest.
	PlayerID int    `json:"player_id,omitempty"`
	Name     string `json:"name"`
}

// IsRated reports whether the player has a persistent identity and can
// therefore carry a rating.
func (p *Player) IsRated() bool {
	return p != nil && p.PlayerID > 0
}

// Clone returns a copy of the player, or nil.
func (p *Player) Clone() *Player {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
