// Package director mirrors a lobby's tables on the client and tracks
// whether the local player is seated.
package director

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/lobby-ratings/internal/domain"
)

// Errors returned without contacting the server.
var (
	ErrNotInLobby    = errors.New("not in a lobby")
	ErrAlreadySeated = errors.New("already seated at a table")
)

// TableService carries table requests to the server.
type TableService interface {
	Tables(ctx context.Context, lobbyID string) ([]*domain.Table, error)
	CreateTable(ctx context.Context, lobbyID string, req domain.CreateTableRequest) (*domain.Table, error)
	JoinTable(ctx context.Context, lobbyID string, tableID, position int) error
	LeaveTable(ctx context.Context, lobbyID string, tableID int) error
	StartTableNow(ctx context.Context, lobbyID string, tableID int) error
	BootPlayer(ctx context.Context, lobbyID string, tableID, targetBodyOID int) error
}

// TableObserver is told about every change to the mirrored table set.
type TableObserver interface {
	TableAdded(t *domain.Table)
	TableUpdated(t *domain.Table)
	TableRemoved(tableID int)
}

// SeatednessObserver is told when the local player sits down or stands up.
type SeatednessObserver interface {
	SeatednessChanged(seated bool)
}

// GameReadyObserver is told when the local player's game can be entered.
type GameReadyObserver interface {
	GameReady(gameOID int)
}

// Director is the client's view of one lobby's tables.
type Director struct {
	self    *domain.Player
	service TableService
	logger  *slog.Logger

	mu       sync.Mutex
	lobbyID  string
	tables   map[int]*domain.Table
	current  *domain.Table
	tableObs []TableObserver
	seatObs  []SeatednessObserver
	readyObs []GameReadyObserver
}

// New creates a director for the local player.
func New(self *domain.Player, service TableService, logger *slog.Logger) *Director {
	return &Director{
		self:    self.Clone(),
		service: service,
		logger:  logger,
		tables:  make(map[int]*domain.Table),
	}
}

// AddTableObserver subscribes to table changes.
func (d *Director) AddTableObserver(o TableObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tableObs = append(d.tableObs, o)
}

// AddSeatednessObserver subscribes to seatedness changes.
func (d *Director) AddSeatednessObserver(o SeatednessObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seatObs = append(d.seatObs, o)
}

// AddGameReadyObserver subscribes to game-ready notices.
func (d *Director) AddGameReadyObserver(o GameReadyObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readyObs = append(d.readyObs, o)
}

// EnterLobby replaces the mirror with the lobby's current tables.
func (d *Director) EnterLobby(ctx context.Context, lobbyID string) error {
	tables, err := d.service.Tables(ctx, lobbyID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.lobbyID = lobbyID
	d.tables = make(map[int]*domain.Table, len(tables))
	wasSeated := d.current != nil
	d.current = nil
	for _, t := range tables {
		d.tables[t.TableID] = t.Clone()
		if t.Position(d.self.BodyOID) >= 0 {
			d.current = t.Clone()
		}
	}
	seated := d.current != nil
	obs := d.seatObs
	d.mu.Unlock()

	if seated != wasSeated {
		notifySeated(obs, seated)
	}
	return nil
}

// LeaveLobby forgets the mirrored tables.
func (d *Director) LeaveLobby() {
	d.mu.Lock()
	wasSeated := d.current != nil
	d.lobbyID = ""
	d.tables = make(map[int]*domain.Table)
	d.current = nil
	obs := d.seatObs
	d.mu.Unlock()

	if wasSeated {
		notifySeated(obs, false)
	}
}

// LobbyID returns the entered lobby, or "".
func (d *Director) LobbyID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lobbyID
}

// IsSeated reports whether the local player holds a seat.
func (d *Director) IsSeated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current != nil
}

// CurrentTable returns the local player's table, or nil.
func (d *Director) CurrentTable() *domain.Table {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current.Clone()
}

// Tables returns the mirrored tables by id.
func (d *Director) Tables() []*domain.Table {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*domain.Table, 0, len(d.tables))
	for _, t := range d.tables {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableID < out[j].TableID })
	return out
}

// Apply folds a replicated table event into the mirror. Seatedness is
// rechecked on every add and update, whoever caused it.
func (d *Director) Apply(ev domain.TableEvent) {
	var notices []func()

	d.mu.Lock()
	if ev.LobbyID != d.lobbyID || d.lobbyID == "" {
		d.mu.Unlock()
		return
	}
	tableObs := d.tableObs

	switch ev.Kind {
	case domain.TableAdded, domain.TableUpdated:
		if ev.Table == nil {
			d.mu.Unlock()
			d.logger.Warn("table event without table", "kind", ev.Kind, "table_id", ev.TableID)
			return
		}
		t := ev.Table.Clone()
		prev := d.tables[t.TableID]
		d.tables[t.TableID] = t
		notices = append(notices, d.recheck(t, prev)...)
		if ev.Kind == domain.TableAdded {
			notices = append([]func(){func() {
				for _, o := range tableObs {
					o.TableAdded(t.Clone())
				}
			}}, notices...)
		} else {
			notices = append([]func(){func() {
				for _, o := range tableObs {
					o.TableUpdated(t.Clone())
				}
			}}, notices...)
		}

	case domain.TableRemoved:
		delete(d.tables, ev.TableID)
		notices = append(notices, func() {
			for _, o := range tableObs {
				o.TableRemoved(ev.TableID)
			}
		})
		if d.current != nil && d.current.TableID == ev.TableID {
			d.current = nil
			obs := d.seatObs
			notices = append(notices, func() { notifySeated(obs, false) })
		}

	default:
		d.logger.Warn("unknown table event", "kind", ev.Kind)
	}
	d.mu.Unlock()

	for _, n := range notices {
		n()
	}
}

// recheck updates the seated state from t. Callers hold d.mu.
func (d *Director) recheck(t, prev *domain.Table) []func() {
	var notices []func()
	seatObs := d.seatObs
	readyObs := d.readyObs

	if t.Position(d.self.BodyOID) >= 0 {
		wasSeated := d.current != nil
		d.current = t.Clone()
		if !wasSeated {
			notices = append(notices, func() { notifySeated(seatObs, true) })
		}
		if t.InPlay() && (prev == nil || !prev.InPlay()) {
			gameOID := t.GameOID
			notices = append(notices, func() { notifyReady(readyObs, gameOID) })
		}
		return notices
	}

	if d.current != nil && d.current.TableID == t.TableID {
		d.current = nil
		notices = append(notices, func() { notifySeated(seatObs, false) })
	}
	return notices
}

// CreateTable asks the server for a new table. A party game needs no seat
// event to follow, so game-ready is signalled straight from the response.
func (d *Director) CreateTable(ctx context.Context, tc domain.TableConfig, gc domain.GameConfig) (*domain.Table, error) {
	lobbyID, err := d.ready(true)
	if err != nil {
		return nil, err
	}
	t, err := d.service.CreateTable(ctx, lobbyID, domain.CreateTableRequest{TableConfig: tc, GameConfig: gc})
	if err != nil {
		return nil, err
	}
	if t.InPlay() && len(t.Players) == 0 {
		d.mu.Lock()
		obs := d.readyObs
		d.mu.Unlock()
		notifyReady(obs, t.GameOID)
	}
	return t, nil
}

// JoinTable asks to sit at position.
func (d *Director) JoinTable(ctx context.Context, tableID, position int) error {
	lobbyID, err := d.ready(true)
	if err != nil {
		return err
	}
	return d.service.JoinTable(ctx, lobbyID, tableID, position)
}

// LeaveTable asks to give up the seat at tableID.
func (d *Director) LeaveTable(ctx context.Context, tableID int) error {
	lobbyID, err := d.ready(false)
	if err != nil {
		return err
	}
	return d.service.LeaveTable(ctx, lobbyID, tableID)
}

// StartTableNow asks to start tableID with the players seated so far.
func (d *Director) StartTableNow(ctx context.Context, tableID int) error {
	lobbyID, err := d.ready(false)
	if err != nil {
		return err
	}
	return d.service.StartTableNow(ctx, lobbyID, tableID)
}

// BootPlayer asks to remove target from tableID.
func (d *Director) BootPlayer(ctx context.Context, tableID, targetBodyOID int) error {
	lobbyID, err := d.ready(false)
	if err != nil {
		return err
	}
	return d.service.BootPlayer(ctx, lobbyID, tableID, targetBodyOID)
}

// ready fails fast when a request cannot succeed.
func (d *Director) ready(mustBeUnseated bool) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lobbyID == "" {
		return "", ErrNotInLobby
	}
	if mustBeUnseated && d.current != nil {
		return "", ErrAlreadySeated
	}
	return d.lobbyID, nil
}

func notifySeated(obs []SeatednessObserver, seated bool) {
	for _, o := range obs {
		o.SeatednessChanged(seated)
	}
}

func notifyReady(obs []GameReadyObserver, gameOID int) {
	for _, o := range obs {
		o.GameReady(gameOID)
	}
}
