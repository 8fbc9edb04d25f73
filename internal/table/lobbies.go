package table

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/lobby-ratings/internal/config"
	"github.com/lobby-ratings/internal/domain"
)

type dependencies struct {
	seats     *SeatIndex
	games     GameCreator
	simulants *SimulantRegistry
	publisher Publisher
	config    *config.TablesConfig
	logger    *slog.Logger
}

// Lobbies holds one Registry per lobby. All registries share a SeatIndex so
// that a body is seated at most once across every lobby.
type Lobbies struct {
	deps dependencies

	mu         sync.RWMutex
	registries map[string]*Registry
}

// NewLobbies creates an empty lobby set. publisher may be nil.
func NewLobbies(
	games GameCreator,
	simulants *SimulantRegistry,
	publisher Publisher,
	cfg *config.TablesConfig,
	logger *slog.Logger,
) *Lobbies {
	return &Lobbies{
		deps: dependencies{
			seats:     NewSeatIndex(),
			games:     games,
			simulants: simulants,
			publisher: publisher,
			config:    cfg,
			logger:    logger,
		},
		registries: make(map[string]*Registry),
	}
}

// Lobby returns the registry of a lobby, creating it on first use.
func (l *Lobbies) Lobby(lobbyID string) (*Registry, error) {
	if lobbyID == "" {
		return nil, fmt.Errorf("%w: empty lobby id", domain.ErrInvalidRequest)
	}

	l.mu.RLock()
	r, ok := l.registries[lobbyID]
	l.mu.RUnlock()
	if ok {
		return r, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.registries[lobbyID]; ok {
		return r, nil
	}
	r = newRegistry(lobbyID, &l.deps)
	l.registries[lobbyID] = r
	return r, nil
}

// LobbyIDs returns the lobbies that have been used, in order.
func (l *Lobbies) LobbyIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.registries))
	for id := range l.registries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SeatOf returns where body is seated.
func (l *Lobbies) SeatOf(bodyOID int) (Seat, bool) {
	return l.deps.seats.Lookup(bodyOID)
}

// ClearPlayer vacates the seat of a body that went away, wherever it is.
// It reports whether a seat was freed.
func (l *Lobbies) ClearPlayer(_ context.Context, bodyOID int) bool {
	seat, ok := l.deps.seats.Lookup(bodyOID)
	if !ok {
		return false
	}
	l.mu.RLock()
	r, ok := l.registries[seat.LobbyID]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	if r.clearBody(seat.TableID, bodyOID) {
		l.deps.logger.Info("cleared departed player", "body_oid", bodyOID, "lobby_id", seat.LobbyID, "table_id", seat.TableID)
		return true
	}
	return false
}
