package domain

import "time"

// InvitationState tracks a pending invitation's response.
type InvitationState string

const (
	InvitationPending   InvitationState = "pending"
	InvitationAccepted  InvitationState = "accepted"
	InvitationRefused   InvitationState = "refused"
	InvitationCountered InvitationState = "countered"
)

// Invitation is a direct challenge from one player to another.
type Invitation struct {
	InviteID  string          `json:"invite_id"`
	LobbyID   string          `json:"lobby_id"`
	Inviter   *Player         `json:"inviter"`
	Invitee   *Player         `json:"invitee"`
	Config    GameConfig      `json:"config"`
	State     InvitationState `json:"state"`
	CreatedAt time.Time       `json:"created_at"`

	// TableID is set once an accepted invitation produced a table.
	TableID int `json:"table_id,omitempty"`
}

// InviteRequest is the body of an invitation call.
type InviteRequest struct {
	LobbyID string     `json:"lobby_id"`
	Invitee *Player    `json:"invitee"`
	Config  GameConfig `json:"config"`
}

// InviteResponse is the body of a response to an invitation.
type InviteResponse struct {
	State InvitationState `json:"state"`
	// Config carries the counter-proposal when State is countered.
	Config *GameConfig `json:"config,omitempty"`
}
