package table

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lobby-ratings/internal/domain"
)

// InvitationNotifier delivers invitations and their answers to players.
type InvitationNotifier interface {
	PublishInvitation(inv *domain.Invitation)
}

// Invitations tracks direct challenges between players. An accepted
// invitation seats both players at a new table and starts its game.
type Invitations struct {
	lobbies  *Lobbies
	notifier InvitationNotifier
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*domain.Invitation
}

// NewInvitations creates an invitation book over lobbies. notifier may be nil.
func NewInvitations(lobbies *Lobbies, notifier InvitationNotifier, logger *slog.Logger) *Invitations {
	return &Invitations{
		lobbies:  lobbies,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		pending:  make(map[string]*domain.Invitation),
	}
}

// Invite records an invitation from inviter.
func (i *Invitations) Invite(_ context.Context, inviter *domain.Player, req domain.InviteRequest) (*domain.Invitation, error) {
	const op = "invite"
	switch {
	case req.Invitee == nil:
		return nil, reject(op, ErrInvalidInvitation, "no player invited")
	case req.Invitee.BodyOID == inviter.BodyOID:
		return nil, reject(op, ErrInvalidInvitation, "you cannot invite yourself")
	case req.Config.GameIdent == "":
		return nil, reject(op, ErrInvalidConfig, "game is required")
	}
	if _, err := i.lobbies.Lobby(req.LobbyID); err != nil {
		return nil, err
	}
	for _, key := range req.Config.Simulants {
		if !i.lobbies.deps.simulants.Known(key) {
			return nil, reject(op, ErrUnknownSimulant, "unknown simulant %q", key)
		}
	}

	inv := &domain.Invitation{
		InviteID:  uuid.New().String(),
		LobbyID:   req.LobbyID,
		Inviter:   inviter.Clone(),
		Invitee:   req.Invitee.Clone(),
		Config:    req.Config,
		State:     domain.InvitationPending,
		CreatedAt: i.now().UTC(),
	}

	i.mu.Lock()
	i.pending[inv.InviteID] = inv
	i.mu.Unlock()

	i.logger.Info("invitation sent",
		"invite_id", inv.InviteID,
		"inviter", inviter.BodyOID,
		"invitee", req.Invitee.BodyOID,
	)
	i.notify(inv)
	return copyInvitation(inv), nil
}

// Respond answers a pending invitation on behalf of its invitee. Accepting
// creates and starts the game; countering sends a new invitation back to
// the inviter with the proposed configuration.
func (i *Invitations) Respond(
	ctx context.Context,
	invitee *domain.Player,
	inviteID string,
	resp domain.InviteResponse,
) (*domain.Invitation, error) {
	const op = "respond"

	i.mu.Lock()
	inv, ok := i.pending[inviteID]
	if !ok {
		i.mu.Unlock()
		return nil, reject(op, ErrInviteNotFound, "no such invitation")
	}
	if inv.Invitee.BodyOID != invitee.BodyOID {
		i.mu.Unlock()
		return nil, reject(op, ErrNotInvitee, "this invitation is for someone else")
	}
	if inv.State != domain.InvitationPending {
		i.mu.Unlock()
		return nil, reject(op, ErrInviteNotPending, "invitation already answered")
	}
	// claimed so a concurrent response loses
	delete(i.pending, inviteID)
	i.mu.Unlock()

	switch resp.State {
	case domain.InvitationAccepted:
		return i.accept(ctx, inv)
	case domain.InvitationRefused:
		inv.State = domain.InvitationRefused
		i.logger.Info("invitation refused", "invite_id", inv.InviteID)
		i.notify(inv)
		return copyInvitation(inv), nil
	case domain.InvitationCountered:
		if resp.Config == nil {
			i.restore(inv)
			return nil, reject(op, ErrInvalidInvitation, "a counter needs a game configuration")
		}
		inv.State = domain.InvitationCountered
		i.notify(inv)
		return i.Invite(ctx, invitee, domain.InviteRequest{
			LobbyID: inv.LobbyID,
			Invitee: inv.Inviter,
			Config:  *resp.Config,
		})
	}
	i.restore(inv)
	return nil, reject(op, ErrInvalidInvitation, "unknown response %q", resp.State)
}

func (i *Invitations) accept(ctx context.Context, inv *domain.Invitation) (*domain.Invitation, error) {
	r, err := i.lobbies.Lobby(inv.LobbyID)
	if err != nil {
		i.restore(inv)
		return nil, err
	}
	t, err := r.createSeated(ctx, []*domain.Player{inv.Inviter, inv.Invitee}, inv.Config)
	if err != nil {
		i.restore(inv)
		return nil, err
	}

	inv.State = domain.InvitationAccepted
	inv.TableID = t.TableID
	i.logger.Info("invitation accepted", "invite_id", inv.InviteID, "table_id", t.TableID, "game_oid", t.GameOID)
	i.notify(inv)
	return copyInvitation(inv), nil
}

// Pending lists the open invitations sent to or by body, oldest first.
func (i *Invitations) Pending(bodyOID int) []*domain.Invitation {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []*domain.Invitation
	for _, inv := range i.pending {
		if inv.Inviter.BodyOID == bodyOID || inv.Invitee.BodyOID == bodyOID {
			out = append(out, copyInvitation(inv))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// Forget drops every invitation involving body.
func (i *Invitations) Forget(bodyOID int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for id, inv := range i.pending {
		if inv.Inviter.BodyOID == bodyOID || inv.Invitee.BodyOID == bodyOID {
			delete(i.pending, id)
		}
	}
}

func (i *Invitations) restore(inv *domain.Invitation) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending[inv.InviteID] = inv
}

func (i *Invitations) notify(inv *domain.Invitation) {
	if i.notifier != nil {
		i.notifier.PublishInvitation(copyInvitation(inv))
	}
}

func copyInvitation(inv *domain.Invitation) *domain.Invitation {
	c := *inv
	c.Inviter = inv.Inviter.Clone()
	c.Invitee = inv.Invitee.Clone()
	c.Config.Simulants = append([]string(nil), inv.Config.Simulants...)
	return &c
}
