package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lobby-ratings/internal/config"
	"github.com/lobby-ratings/internal/domain"
	"github.com/lobby-ratings/pkg/metrics"
)

// retireTimeout bounds the final writes of a finished match.
const retireTimeout = 30 * time.Second

// retiredMemory is how many finished match ids are remembered so that a
// redelivered start does not reopen them.
const retiredMemory = 4096

// RatingObserver runs a Coordinator for every rated match.
type RatingObserver struct {
	store  Store
	scores ScoreRecorder
	exec   Executor
	config *config.RatingConfig
	logger *slog.Logger
	ctx    context.Context

	mu       sync.Mutex
	matches  map[int]*Coordinator
	retired  map[int]struct{}
	order    []int
	retiring sync.WaitGroup
}

// NewRatingObserver creates the observer. ctx bounds the coordinators' I/O.
func NewRatingObserver(
	ctx context.Context,
	store Store,
	scores ScoreRecorder,
	exec Executor,
	cfg *config.RatingConfig,
	logger *slog.Logger,
) *RatingObserver {
	return &RatingObserver{
		store:   store,
		scores:  scores,
		exec:    exec,
		config:  cfg,
		logger:  logger,
		ctx:     ctx,
		matches: make(map[int]*Coordinator),
		retired: make(map[int]struct{}),
	}
}

// GameWillStart creates the match's coordinator. Unrated matches are ignored.
func (o *RatingObserver) GameWillStart(_ context.Context, m Match, players []*domain.Player) {
	if !m.Rated {
		return
	}

	o.mu.Lock()
	if _, done := o.retired[m.MatchID]; done {
		o.mu.Unlock()
		o.logger.Debug("ignoring start of a finished match", "match_id", m.MatchID)
		return
	}
	c, ok := o.matches[m.MatchID]
	if !ok {
		c = NewCoordinator(m.MatchID, m.GameID, o.store, o.scores, o.exec, o.config, o.logger)
		c.Start(o.ctx)
		o.matches[m.MatchID] = c
		metrics.UpdateActiveMatches(1)
	}
	o.mu.Unlock()

	c.GameWillStart(players, m.At)
}

// BodyEntered forwards to the match's coordinator.
func (o *RatingObserver) BodyEntered(_ context.Context, m Match, player *domain.Player, position int) {
	if c := o.lookup(m.MatchID); c != nil {
		c.BodyEntered(player, position)
	}
}

// BodyLeft forwards to the match's coordinator.
func (o *RatingObserver) BodyLeft(_ context.Context, m Match, player *domain.Player) {
	if c := o.lookup(m.MatchID); c != nil {
		c.BodyLeft(player.BodyOID)
	}
}

// GameDidEnd rates the match and retires its coordinator once its writes
// have finished.
func (o *RatingObserver) GameDidEnd(_ context.Context, m Match, outcome domain.MatchOutcome) {
	o.mu.Lock()
	c, ok := o.matches[m.MatchID]
	delete(o.matches, m.MatchID)
	if ok {
		o.retire(m.MatchID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	c.GameDidEnd(outcome)

	o.retiring.Add(1)
	go func() {
		defer o.retiring.Done()
		defer metrics.UpdateActiveMatches(-1)
		ctx, cancel := context.WithTimeout(context.Background(), retireTimeout)
		defer cancel()
		if err := c.Settle(ctx); err != nil {
			o.logger.Warn("match writes did not settle", "match_id", m.MatchID, "error", err)
		}
		if err := c.Close(ctx); err != nil {
			o.logger.Warn("match did not close cleanly", "match_id", m.MatchID, "error", err)
		}
	}()
}

// Coordinator returns the live coordinator of a match, or nil.
func (o *RatingObserver) Coordinator(matchID int) *Coordinator {
	return o.lookup(matchID)
}

// ActiveMatches returns the number of live rated matches.
func (o *RatingObserver) ActiveMatches() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.matches)
}

// Close stops every live coordinator, persisting what it can, and waits for
// retiring matches.
func (o *RatingObserver) Close(ctx context.Context) error {
	o.mu.Lock()
	live := o.matches
	o.matches = make(map[int]*Coordinator)
	o.mu.Unlock()

	var firstErr error
	for _, c := range live {
		if err := c.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		metrics.UpdateActiveMatches(-1)
	}

	done := make(chan struct{})
	go func() {
		o.retiring.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	}
	return firstErr
}

// retire remembers a finished match, forgetting the oldest beyond
// retiredMemory. Callers hold o.mu.
func (o *RatingObserver) retire(matchID int) {
	o.retired[matchID] = struct{}{}
	o.order = append(o.order, matchID)
	if len(o.order) > retiredMemory {
		delete(o.retired, o.order[0])
		o.order = o.order[1:]
	}
}

func (o *RatingObserver) lookup(matchID int) *Coordinator {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.matches[matchID]
}
