// Package table holds the authoritative matchmaking tables of every lobby.
package table

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lobby-ratings/internal/config"
	"github.com/lobby-ratings/internal/domain"
	"github.com/lobby-ratings/pkg/metrics"
)

// GameCreator creates the game of a starting table and returns its oid.
type GameCreator interface {
	CreateGame(ctx context.Context, t *domain.Table, players []*domain.Player) (int, error)
}

// Publisher replicates table changes to the lobby's subscribers.
type Publisher interface {
	PublishTableEvent(ev domain.TableEvent)
}

// Registry is the table set of one lobby. Every mutation happens under its
// lock, and events are published in mutation order before it is released.
type Registry struct {
	lobbyID   string
	seats     *SeatIndex
	games     GameCreator
	simulants *SimulantRegistry
	publisher Publisher
	config    *config.TablesConfig
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	tables map[int]*domain.Table
	nextID int
}

func newRegistry(lobbyID string, deps *dependencies) *Registry {
	return &Registry{
		lobbyID:   lobbyID,
		seats:     deps.seats,
		games:     deps.games,
		simulants: deps.simulants,
		publisher: deps.publisher,
		config:    deps.config,
		logger:    deps.logger.With("lobby_id", lobbyID),
		now:       time.Now,
		tables:    make(map[int]*domain.Table),
	}
}

// LobbyID returns the lobby this registry serves.
func (r *Registry) LobbyID() string {
	return r.lobbyID
}

// CreateTable creates a table with the creator seated at position 0. A
// party game has no seats: its game is created at once and the returned
// table is not kept.
func (r *Registry) CreateTable(
	ctx context.Context,
	creator *domain.Player,
	tc domain.TableConfig,
	gc domain.GameConfig,
) (*domain.Table, error) {
	const op = "create"
	tc, err := r.validateConfig(tc, gc)
	if err != nil {
		return nil, r.rejected(op, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if seat, ok := r.seats.Lookup(creator.BodyOID); ok {
		return nil, r.rejected(op, reject(op, ErrAlreadySeated, "already seated at table %d", seat.TableID))
	}

	r.nextID++
	t := &domain.Table{
		TableID:     r.nextID,
		LobbyID:     r.lobbyID,
		GameOID:     domain.NoGame,
		Config:      gc,
		TableConfig: tc,
		CreatedAt:   r.now().UTC(),
	}

	if tc.IsPartyGame() {
		return r.startParty(ctx, t, creator)
	}

	t.Players = make([]*domain.Player, tc.DesiredPlayerCount)
	if !r.seats.Claim(creator.BodyOID, r.seat(t)) {
		return nil, r.rejected(op, reject(op, ErrAlreadySeated, "already seated at another table"))
	}
	t.Players[0] = creator.Clone()
	r.tables[t.TableID] = t

	metrics.RecordTableCreated()
	r.publish(domain.TableAdded, t)
	r.logger.Info("table created",
		"table_id", t.TableID,
		"body_oid", creator.BodyOID,
		"seats", tc.DesiredPlayerCount,
	)

	r.autoStart(ctx, t)
	return t.Clone(), nil
}

// JoinTable seats player at position.
func (r *Registry) JoinTable(ctx context.Context, player *domain.Player, tableID, position int) (*domain.Table, error) {
	const op = "join"
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[tableID]
	switch {
	case !ok:
		return nil, r.rejected(op, reject(op, ErrTableNotFound, "no such table"))
	case t.InPlay():
		return nil, r.rejected(op, reject(op, ErrTableStarted, "game already started"))
	case t.IsBanned(player.BodyOID):
		return nil, r.rejected(op, reject(op, ErrBanned, "you were removed from this table"))
	case t.Position(player.BodyOID) >= 0:
		return nil, r.rejected(op, reject(op, ErrAlreadySeated, "already seated at this table"))
	case t.IsFull():
		return nil, r.rejected(op, reject(op, ErrTableFull, "table is full"))
	case position < 0 || position >= len(t.Players):
		return nil, r.rejected(op, reject(op, ErrInvalidPosition, "no seat %d", position))
	case t.Players[position] != nil:
		return nil, r.rejected(op, reject(op, ErrSeatTaken, "seat %d is taken", position))
	}
	if !r.seats.Claim(player.BodyOID, r.seat(t)) {
		return nil, r.rejected(op, reject(op, ErrAlreadySeated, "already seated at another table"))
	}

	t.Players[position] = player.Clone()
	r.publish(domain.TableUpdated, t)
	r.logger.Debug("player joined table",
		"table_id", tableID,
		"body_oid", player.BodyOID,
		"position", position,
	)

	r.autoStart(ctx, t)
	return t.Clone(), nil
}

// LeaveTable vacates player's seat. An emptied table is removed.
func (r *Registry) LeaveTable(_ context.Context, player *domain.Player, tableID int) error {
	const op = "leave"
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[tableID]
	if !ok {
		return r.rejected(op, reject(op, ErrTableNotFound, "no such table"))
	}
	pos := t.Position(player.BodyOID)
	if pos < 0 {
		return r.rejected(op, reject(op, ErrNotSeated, "not seated at this table"))
	}

	r.vacate(t, pos)
	r.logger.Debug("player left table", "table_id", tableID, "body_oid", player.BodyOID)
	return nil
}

// StartTableNow starts the table's game with the players seated so far.
// Only the occupant of position 0 may do so.
func (r *Registry) StartTableNow(ctx context.Context, tableID int, requester *domain.Player) (*domain.Table, error) {
	const op = "start"
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[tableID]
	switch {
	case !ok:
		return nil, r.rejected(op, reject(op, ErrTableNotFound, "no such table"))
	case t.InPlay():
		return nil, r.rejected(op, reject(op, ErrTableStarted, "game already started"))
	case t.Position(requester.BodyOID) != 0:
		return nil, r.rejected(op, reject(op, ErrNotOwner, "only the table owner can start the game"))
	case t.Occupants() < t.TableConfig.MinimumPlayerCount:
		return nil, r.rejected(op, reject(op, ErrNotEnoughPlayers,
			"need %d players, have %d", t.TableConfig.MinimumPlayerCount, t.Occupants()))
	}

	if err := r.start(ctx, t); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// BootPlayer removes target from the table and bars them from rejoining it.
// Only the occupant of position 0 may boot, and not themselves.
func (r *Registry) BootPlayer(_ context.Context, tableID, targetBodyOID int, requester *domain.Player) error {
	const op = "boot"
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[tableID]
	if !ok {
		return r.rejected(op, reject(op, ErrTableNotFound, "no such table"))
	}
	if t.Position(requester.BodyOID) != 0 {
		return r.rejected(op, reject(op, ErrNotOwner, "only the table owner can boot players"))
	}
	if targetBodyOID == requester.BodyOID {
		return r.rejected(op, reject(op, ErrCannotBootSelf, "you cannot boot yourself"))
	}
	pos := t.Position(targetBodyOID)
	if pos < 0 {
		return r.rejected(op, reject(op, ErrNotSeated, "player is not at this table"))
	}

	t.BannedBodies = append(t.BannedBodies, targetBodyOID)
	r.vacate(t, pos)
	r.logger.Info("player booted", "table_id", tableID, "target_body_oid", targetBodyOID)
	return nil
}

// clearBody vacates body's seat at tableID, if it still holds one.
func (r *Registry) clearBody(tableID, bodyOID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[tableID]
	if !ok {
		return false
	}
	pos := t.Position(bodyOID)
	if pos < 0 {
		return false
	}
	r.vacate(t, pos)
	return true
}

// Tables returns a snapshot of every table, by id.
func (r *Registry) Tables() []*domain.Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Table, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableID < out[j].TableID })
	return out
}

// Table returns a snapshot of one table.
func (r *Registry) Table(tableID int) (*domain.Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[tableID]
	if !ok {
		return nil, ErrTableNotFound
	}
	return t.Clone(), nil
}

// createSeated creates a full table for players and starts it at once.
// Either every player is seated and the game created, or nothing changes.
func (r *Registry) createSeated(ctx context.Context, players []*domain.Player, gc domain.GameConfig) (*domain.Table, error) {
	const op = "invite"
	tc, err := r.validateConfig(domain.TableConfig{DesiredPlayerCount: len(players)}, gc)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	t := &domain.Table{
		TableID:     r.nextID,
		LobbyID:     r.lobbyID,
		Players:     make([]*domain.Player, len(players)),
		GameOID:     domain.NoGame,
		Config:      gc,
		TableConfig: tc,
		CreatedAt:   r.now().UTC(),
	}
	seat := r.seat(t)
	for i, p := range players {
		if !r.seats.Claim(p.BodyOID, seat) {
			r.release(players[:i], seat)
			return nil, reject(op, ErrAlreadySeated, "%s is already seated", p.Name)
		}
		t.Players[i] = p.Clone()
	}

	// the game exists before anyone can see the table
	gameOID, err := r.launch(ctx, t)
	if err != nil {
		r.release(players, seat)
		return nil, err
	}

	r.tables[t.TableID] = t
	metrics.RecordTableCreated()
	r.publish(domain.TableAdded, t)
	r.commit(t, gameOID)
	return t.Clone(), nil
}

// start creates the game, stamps it on the table, then removes the table
// and frees its seats. Callers hold r.mu.
func (r *Registry) start(ctx context.Context, t *domain.Table) error {
	gameOID, err := r.launch(ctx, t)
	if err != nil {
		return err
	}
	r.commit(t, gameOID)
	return nil
}

// launch instantiates the table's simulants and creates its game without
// touching the table.
func (r *Registry) launch(ctx context.Context, t *domain.Table) (int, error) {
	sims, err := r.simulants.Instantiate(t.Config)
	if err != nil {
		return domain.NoGame, reject("start", ErrUnknownSimulant, "%v", err)
	}

	players := make([]*domain.Player, 0, len(t.Players)+len(sims))
	for _, p := range t.Players {
		if p != nil {
			players = append(players, p.Clone())
		}
	}
	players = append(players, simulantPlayers(sims)...)

	gameOID, err := r.games.CreateGame(ctx, t.Clone(), players)
	if err != nil {
		r.logger.Error("failed to create game", "table_id", t.TableID, "error", err)
		return domain.NoGame, fmt.Errorf("creating game: %w", err)
	}
	return gameOID, nil
}

// commit stamps gameOID on a registered table, publishes it, then removes
// the table and frees its seats.
func (r *Registry) commit(t *domain.Table, gameOID int) {
	t.GameOID = gameOID
	r.publish(domain.TableUpdated, t)

	delete(r.tables, t.TableID)
	seat := r.seat(t)
	for _, p := range t.Players {
		if p != nil {
			r.seats.Release(p.BodyOID, seat)
		}
	}
	r.publish(domain.TableRemoved, t)

	metrics.RecordTableStarted()
	metrics.RecordTableRemoved()
	r.logger.Info("table started", "table_id", t.TableID, "game_oid", gameOID, "players", t.Occupants())
}

func (r *Registry) release(players []*domain.Player, seat Seat) {
	for _, p := range players {
		r.seats.Release(p.BodyOID, seat)
	}
}

// startParty creates a seatless game for creator. Callers hold r.mu.
func (r *Registry) startParty(ctx context.Context, t *domain.Table, creator *domain.Player) (*domain.Table, error) {
	gameOID, err := r.games.CreateGame(ctx, t.Clone(), []*domain.Player{creator.Clone()})
	if err != nil {
		r.logger.Error("failed to create party game", "table_id", t.TableID, "error", err)
		return nil, fmt.Errorf("creating game: %w", err)
	}
	t.GameOID = gameOID
	t.Players = []*domain.Player{}
	metrics.RecordTableStarted()
	r.logger.Info("party game created", "table_id", t.TableID, "game_oid", gameOID)
	return t, nil
}

// autoStart starts a full table when the lobby is configured to. A failure
// leaves the table waiting for an explicit start. Callers hold r.mu.
func (r *Registry) autoStart(ctx context.Context, t *domain.Table) {
	if !r.config.AutoStart() || !t.IsFull() {
		return
	}
	if err := r.start(ctx, t); err != nil {
		r.logger.Warn("auto start failed", "table_id", t.TableID, "error", err)
	}
}

// vacate empties seat pos and publishes the change, removing the table
// when it is left empty. Callers hold r.mu.
func (r *Registry) vacate(t *domain.Table, pos int) {
	p := t.Players[pos]
	t.Players[pos] = nil
	r.seats.Release(p.BodyOID, r.seat(t))

	if t.IsEmpty() {
		delete(r.tables, t.TableID)
		metrics.RecordTableRemoved()
		r.publish(domain.TableRemoved, t)
		r.logger.Debug("table removed", "table_id", t.TableID)
		return
	}
	r.publish(domain.TableUpdated, t)
}

func (r *Registry) validateConfig(tc domain.TableConfig, gc domain.GameConfig) (domain.TableConfig, error) {
	const op = "create"
	if tc.MinimumPlayerCount == 0 {
		tc.MinimumPlayerCount = tc.DesiredPlayerCount
	}
	switch {
	case tc.DesiredPlayerCount < 0:
		return tc, reject(op, ErrInvalidConfig, "seat count cannot be negative")
	case tc.DesiredPlayerCount > r.config.MaxSeats:
		return tc, reject(op, ErrInvalidConfig, "at most %d seats", r.config.MaxSeats)
	case tc.MinimumPlayerCount < 0 || tc.MinimumPlayerCount > tc.DesiredPlayerCount:
		return tc, reject(op, ErrInvalidConfig, "minimum players must be between 1 and %d", tc.DesiredPlayerCount)
	case gc.GameIdent == "":
		return tc, reject(op, ErrInvalidConfig, "game is required")
	}
	for _, key := range gc.Simulants {
		if !r.simulants.Known(key) {
			return tc, reject(op, ErrUnknownSimulant, "unknown simulant %q", key)
		}
	}
	return tc, nil
}

func (r *Registry) seat(t *domain.Table) Seat {
	return Seat{LobbyID: r.lobbyID, TableID: t.TableID}
}

func (r *Registry) publish(kind domain.TableEventKind, t *domain.Table) {
	if r.publisher == nil {
		return
	}
	ev := domain.TableEvent{Kind: kind, LobbyID: r.lobbyID, TableID: t.TableID}
	if kind != domain.TableRemoved {
		ev.Table = t.Clone()
	}
	r.publisher.PublishTableEvent(ev)
}

func (r *Registry) rejected(op string, err error) error {
	metrics.RecordTableRejection(op)
	r.logger.Debug("table request rejected", "op", op, "reason", Reason(err))
	return err
}
