package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lobby-ratings/internal/domain"
	"github.com/lobby-ratings/internal/table"
)

func (h *Handler) lobby(r *http.Request) (*table.Registry, error) {
	return h.lobbies.Lobby(chi.URLParam(r, "lobbyID"))
}

// ListTables returns a lobby's open tables
func (h *Handler) ListTables(w http.ResponseWriter, r *http.Request) {
	reg, err := h.lobby(r)
	if err != nil {
		h.writeFailure(w, "list tables", err)
		return
	}
	h.writeSuccess(w, reg.Tables())
}

// GetTable returns one table
func (h *Handler) GetTable(w http.ResponseWriter, r *http.Request) {
	reg, err := h.lobby(r)
	if err != nil {
		h.writeFailure(w, "get table", err)
		return
	}
	tableID, err := intParam(r, "tableID")
	if err != nil {
		h.writeFailure(w, "get table", err)
		return
	}
	t, err := reg.Table(tableID)
	if err != nil {
		h.writeFailure(w, "get table", err)
		return
	}
	h.writeSuccess(w, t)
}

// CreateTable creates a table with the caller seated, or starts a party
// game when the table has no seats.
func (h *Handler) CreateTable(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTableRequest
	if err := decode(r, &req); err != nil {
		h.writeFailure(w, "create table", err)
		return
	}
	reg, err := h.lobby(r)
	if err != nil {
		h.writeFailure(w, "create table", err)
		return
	}

	t, err := reg.CreateTable(r.Context(), caller(r), req.TableConfig, req.GameConfig)
	if err != nil {
		h.writeFailure(w, "create table", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: t})
}

// JoinTable seats the caller
func (h *Handler) JoinTable(w http.ResponseWriter, r *http.Request) {
	var req domain.JoinTableRequest
	if err := decode(r, &req); err != nil {
		h.writeFailure(w, "join table", err)
		return
	}
	reg, tableID, ok := h.tableTarget(w, r, "join table")
	if !ok {
		return
	}

	t, err := reg.JoinTable(r.Context(), caller(r), tableID, req.Position)
	if err != nil {
		h.writeFailure(w, "join table", err)
		return
	}
	h.writeSuccess(w, t)
}

// LeaveTable gives up the caller's seat
func (h *Handler) LeaveTable(w http.ResponseWriter, r *http.Request) {
	reg, tableID, ok := h.tableTarget(w, r, "leave table")
	if !ok {
		return
	}
	if err := reg.LeaveTable(r.Context(), caller(r), tableID); err != nil {
		h.writeFailure(w, "leave table", err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "left"})
}

// StartTable starts the game with the players seated so far
func (h *Handler) StartTable(w http.ResponseWriter, r *http.Request) {
	reg, tableID, ok := h.tableTarget(w, r, "start table")
	if !ok {
		return
	}
	t, err := reg.StartTableNow(r.Context(), tableID, caller(r))
	if err != nil {
		h.writeFailure(w, "start table", err)
		return
	}
	h.writeSuccess(w, t)
}

// BootPlayer removes another player from the caller's table
func (h *Handler) BootPlayer(w http.ResponseWriter, r *http.Request) {
	var req domain.BootPlayerRequest
	if err := decode(r, &req); err != nil {
		h.writeFailure(w, "boot player", err)
		return
	}
	reg, tableID, ok := h.tableTarget(w, r, "boot player")
	if !ok {
		return
	}
	if err := reg.BootPlayer(r.Context(), tableID, req.TargetBodyOID, caller(r)); err != nil {
		h.writeFailure(w, "boot player", err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "booted"})
}

func (h *Handler) tableTarget(w http.ResponseWriter, r *http.Request, op string) (*table.Registry, int, bool) {
	reg, err := h.lobby(r)
	if err != nil {
		h.writeFailure(w, op, err)
		return nil, 0, false
	}
	tableID, err := intParam(r, "tableID")
	if err != nil {
		h.writeFailure(w, op, err)
		return nil, 0, false
	}
	return reg, tableID, true
}

// ListInvitations returns the open invitations involving the caller
func (h *Handler) ListInvitations(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.invitations.Pending(caller(r).BodyOID))
}

// Invite sends an invitation to another player
func (h *Handler) Invite(w http.ResponseWriter, r *http.Request) {
	var req domain.InviteRequest
	if err := decode(r, &req); err != nil {
		h.writeFailure(w, "invite", err)
		return
	}
	inv, err := h.invitations.Invite(r.Context(), caller(r), req)
	if err != nil {
		h.writeFailure(w, "invite", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: inv})
}

// RespondInvitation accepts, refuses or counters an invitation
func (h *Handler) RespondInvitation(w http.ResponseWriter, r *http.Request) {
	var resp domain.InviteResponse
	if err := decode(r, &resp); err != nil {
		h.writeFailure(w, "respond", err)
		return
	}
	inv, err := h.invitations.Respond(r.Context(), caller(r), chi.URLParam(r, "inviteID"), resp)
	if err != nil {
		h.writeFailure(w, "respond", err)
		return
	}
	h.writeSuccess(w, inv)
}
