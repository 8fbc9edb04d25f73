// Package session tracks live matches: it routes match lifecycle events to
// subscribed observers and runs one rating coordinator per rated match.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lobby-ratings/internal/config"
	"github.com/lobby-ratings/internal/domain"
	"github.com/lobby-ratings/internal/percentile"
	"github.com/lobby-ratings/internal/rating"
	"github.com/lobby-ratings/internal/worker"
	"github.com/lobby-ratings/pkg/metrics"
)

const (
	// ioTimeout bounds a single load or save.
	ioTimeout = 10 * time.Second
	// eventBuffer is the coordinator's event queue length.
	eventBuffer = 64
)

// State of a rating session.
type State int

const (
	Idle State = iota
	Loading
	Active
	Settling
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Active:
		return "active"
	case Settling:
		return "settling"
	case Done:
		return "done"
	}
	return "unknown"
}

// Store loads and persists ratings.
type Store interface {
	GetMany(ctx context.Context, gameID int, playerIDs []int) (map[int]domain.Rating, error)
	Set(ctx context.Context, rec domain.RatingRecord) error
}

// ScoreRecorder receives end-of-match scores.
type ScoreRecorder interface {
	Record(ctx context.Context, gameID int, name string, value float64) error
}

// Executor runs blocking work away from the coordinator.
type Executor interface {
	Go(ctx context.Context, task worker.Task)
}

// Coordinator owns the ratings of one match. Every field below the channels
// is touched only by the loop goroutine; public methods enqueue work and
// I/O completions are posted back onto the same queue.
type Coordinator struct {
	matchID int
	gameID  int
	store   Store
	scores  ScoreRecorder
	exec    Executor
	config  *config.RatingConfig
	logger  *slog.Logger

	ctx       context.Context
	events    chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	state     State
	startedAt time.Time
	seats     []*domain.Player
	bodies    map[int]bool
	ratings   map[int]*domain.PlayerRating
	loading   map[int]int
	saving    map[int]bool
	inflight  int
	waiters   []chan struct{}
	closing   bool
}

// NewCoordinator creates the coordinator of one match. Call Start before
// sending it events.
func NewCoordinator(
	matchID, gameID int,
	store Store,
	scores ScoreRecorder,
	exec Executor,
	cfg *config.RatingConfig,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		matchID: matchID,
		gameID:  gameID,
		store:   store,
		scores:  scores,
		exec:    exec,
		config:  cfg,
		logger:  logger.With("match_id", matchID, "game_id", gameID),
		events:  make(chan func(), eventBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		bodies:  make(map[int]bool),
		ratings: make(map[int]*domain.PlayerRating),
		loading: make(map[int]int),
		saving:  make(map[int]bool),
	}
}

// Start runs the event loop. I/O issued by the coordinator derives from ctx.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx = ctx
	go c.run()
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.quit:
			return
		}
	}
}

// post enqueues fn on the loop. It reports false once the loop has exited.
func (c *Coordinator) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// GameWillStart seats the players and starts loading their ratings.
func (c *Coordinator) GameWillStart(players []*domain.Player, at time.Time) {
	seats := clonePlayers(players)
	c.post(func() { c.gameWillStart(seats, at) })
}

// BodyEntered records an occupant joining a match in play.
func (c *Coordinator) BodyEntered(player *domain.Player, position int) {
	p := player.Clone()
	c.post(func() { c.bodyEntered(p, position) })
}

// BodyLeft records an occupant leaving and persists their rating if it has
// unsaved changes.
func (c *Coordinator) BodyLeft(bodyOID int) {
	c.post(func() { c.bodyLeft(bodyOID) })
}

// GameDidEnd rates the match and persists the new ratings.
func (c *Coordinator) GameDidEnd(outcome domain.MatchOutcome) {
	outcome.Winners = append([]bool(nil), outcome.Winners...)
	outcome.Scores = append([]float64(nil), outcome.Scores...)
	c.post(func() { c.gameDidEnd(outcome) })
}

// Settle blocks until every event queued before it has been handled and no
// load or save is outstanding.
func (c *Coordinator) Settle(ctx context.Context) error {
	idle := make(chan struct{})
	posted := c.post(func() {
		if c.inflight == 0 {
			close(idle)
			return
		}
		c.waiters = append(c.waiters, idle)
	})
	if !posted {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close retries any rating whose save failed, waits for the writes and stops
// the loop.
func (c *Coordinator) Close(ctx context.Context) error {
	c.post(c.shutdown)
	err := c.Settle(ctx)
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
	return err
}

// Snapshot is a point-in-time view of a coordinator.
type Snapshot struct {
	State   State
	Ratings map[int]domain.PlayerRating
}

// Snapshot returns the current state and ratings.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	out := make(chan Snapshot, 1)
	posted := c.post(func() {
		s := Snapshot{State: c.state, Ratings: make(map[int]domain.PlayerRating, len(c.ratings))}
		for id, pr := range c.ratings {
			s.Ratings[id] = *pr
		}
		out <- s
	})
	if !posted {
		return Snapshot{State: Done}, nil
	}
	select {
	case s := <-out:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (c *Coordinator) gameWillStart(seats []*domain.Player, at time.Time) {
	if c.state != Idle {
		c.logger.Warn("ignoring repeated game start", "state", c.state.String())
		return
	}
	c.state = Loading
	c.startedAt = at
	c.seats = seats
	for _, p := range seats {
		if p != nil {
			c.bodies[p.BodyOID] = true
		}
	}
	c.load(seats)
	// loads complete asynchronously; play does not wait for them
	c.state = Active
}

func (c *Coordinator) bodyEntered(p *domain.Player, position int) {
	if c.state != Active || p == nil {
		return
	}
	if position >= 0 {
		for len(c.seats) <= position {
			c.seats = append(c.seats, nil)
		}
		c.seats[position] = p
	}
	c.bodies[p.BodyOID] = true
	c.load([]*domain.Player{p})
}

func (c *Coordinator) bodyLeft(bodyOID int) {
	if c.state == Idle {
		return
	}
	delete(c.bodies, bodyOID)
	for _, pr := range c.ratings {
		if pr.BodyOID == bodyOID && pr.Modified {
			c.flush(pr)
		}
	}
}

// load requests the ratings of rated players that are not resident or whose
// resident entry belongs to an older session.
func (c *Coordinator) load(players []*domain.Player) {
	var want []*domain.Player
	for _, p := range players {
		if !p.IsRated() {
			continue
		}
		if pr, ok := c.ratings[p.PlayerID]; ok && pr.BodyOID == p.BodyOID {
			continue
		}
		if body, ok := c.loading[p.PlayerID]; ok && body == p.BodyOID {
			continue
		}
		c.loading[p.PlayerID] = p.BodyOID
		want = append(want, p)
	}
	if len(want) == 0 {
		return
	}

	ids := make([]int, len(want))
	for i, p := range want {
		ids[i] = p.PlayerID
	}

	c.inflight++
	c.exec.Go(c.ctx, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, ioTimeout)
		defer cancel()
		found, err := c.store.GetMany(ctx, c.gameID, ids)
		metrics.RecordRatingLoad(err == nil)
		c.post(func() { c.loaded(want, found, err) })
	})
}

func (c *Coordinator) loaded(players []*domain.Player, found map[int]domain.Rating, err error) {
	defer c.complete()

	for _, p := range players {
		if c.loading[p.PlayerID] == p.BodyOID {
			delete(c.loading, p.PlayerID)
		}
	}
	if c.state != Active {
		c.logger.Debug("discarding ratings loaded after the match ended", "players", len(players))
		return
	}
	if err != nil {
		c.logger.Error("failed to load ratings", "players", len(players), "error", err)
		return
	}

	for _, p := range players {
		r, ok := found[p.PlayerID]
		if !ok {
			r = domain.NewRating()
		}
		if pr, ok := c.ratings[p.PlayerID]; ok && pr.Modified {
			pr.BodyOID = p.BodyOID
			pr.Name = p.Name
			continue
		}
		c.ratings[p.PlayerID] = &domain.PlayerRating{
			Rating:   r,
			PlayerID: p.PlayerID,
			BodyOID:  p.BodyOID,
			Name:     p.Name,
		}
	}
}

func (c *Coordinator) gameDidEnd(outcome domain.MatchOutcome) {
	if c.state != Active {
		c.logger.Warn("ignoring game end outside of play", "state", c.state.String())
		return
	}
	c.state = Settling
	defer c.settleIfIdle()

	if elapsed := outcome.EndedAt.Sub(c.startedAt); elapsed < c.config.MinimumGameDuration {
		c.logger.Info("match too short to rate", "duration", elapsed)
		metrics.RecordRatingSkipped("short_game")
		return
	}

	ratings := make([]*domain.Rating, len(c.seats))
	entries := make([]*domain.PlayerRating, len(c.seats))
	for i, p := range c.seats {
		if !p.IsRated() {
			continue
		}
		pr, ok := c.ratings[p.PlayerID]
		if !ok {
			c.logger.Warn("rating not loaded at game end", "player_id", p.PlayerID)
			metrics.RecordRatingSkipped("not_loaded")
			continue
		}
		r := pr.Rating
		ratings[i] = &r
		entries[i] = pr
	}

	for i, updated := range rating.ComputeMatch(ratings, outcome) {
		pr := entries[i]
		if pr == nil {
			continue
		}
		if updated <= 0 {
			metrics.RecordRatingSkipped("no_opponents")
			continue
		}
		pr.Rating.Rating = updated
		pr.Experience++
		pr.Modified = true
		metrics.RecordRatingComputed()
	}

	c.recordScores(outcome.Scores)

	// players who already left may never come back; write theirs first
	var present []*domain.PlayerRating
	for _, pr := range c.ratings {
		if !pr.Modified {
			continue
		}
		if c.bodies[pr.BodyOID] {
			present = append(present, pr)
			continue
		}
		c.flush(pr)
	}
	for _, pr := range present {
		c.flush(pr)
	}
}

func (c *Coordinator) recordScores(scores []float64) {
	if c.scores == nil {
		return
	}
	var values []float64
	for i, s := range scores {
		if i < len(c.seats) && c.seats[i] != nil {
			values = append(values, s)
		}
	}
	if len(values) == 0 {
		return
	}

	c.inflight++
	c.exec.Go(c.ctx, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, ioTimeout)
		defer cancel()
		for _, v := range values {
			if err := c.scores.Record(ctx, c.gameID, percentile.ScoreTracker, v); err != nil {
				c.logger.Error("failed to record score", "score", v, "error", err)
				continue
			}
			metrics.RecordPercentileObservation()
		}
		c.post(c.complete)
	})
}

// flush persists a snapshot of pr. At most one save per player is in flight;
// a newer value is written when the current save completes.
func (c *Coordinator) flush(pr *domain.PlayerRating) {
	if c.saving[pr.PlayerID] {
		return
	}
	c.saving[pr.PlayerID] = true
	snap := pr.CloneForSave()

	c.inflight++
	c.exec.Go(c.ctx, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, ioTimeout)
		defer cancel()
		start := time.Now()
		err := c.store.Set(ctx, domain.RatingRecord{
			GameID:     c.gameID,
			PlayerID:   snap.PlayerID,
			Rating:     snap.Rating.Rating,
			Experience: snap.Experience,
		})
		metrics.RecordRatingSave(err == nil, time.Since(start).Seconds())
		c.post(func() { c.saved(snap, err) })
	})
}

func (c *Coordinator) saved(snap domain.PlayerRating, err error) {
	defer c.complete()
	delete(c.saving, snap.PlayerID)

	pr, ok := c.ratings[snap.PlayerID]
	if err != nil {
		// left modified so a later flush retries it
		c.logger.Error("failed to save rating",
			"player_id", snap.PlayerID,
			"rating", snap.Rating.Rating,
			"error", err,
		)
		return
	}
	if !ok {
		return
	}
	if pr.Rating == snap.Rating {
		pr.Modified = false
		return
	}
	if pr.Modified {
		c.flush(pr)
	}
}

func (c *Coordinator) shutdown() {
	c.closing = true
	for _, pr := range c.ratings {
		if pr.Modified {
			c.flush(pr)
		}
	}
	c.settleIfIdle()
}

// complete marks one I/O operation finished.
func (c *Coordinator) complete() {
	c.inflight--
	c.settleIfIdle()
}

func (c *Coordinator) settleIfIdle() {
	if c.inflight > 0 {
		return
	}
	if c.state == Settling || c.closing {
		c.state = Done
	}
	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = nil
}

func clonePlayers(players []*domain.Player) []*domain.Player {
	out := make([]*domain.Player, len(players))
	for i, p := range players {
		out[i] = p.Clone()
	}
	return out
}
