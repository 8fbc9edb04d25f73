package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lobby-ratings/internal/domain"
	"github.com/lobby-ratings/pkg/metrics"
)

// Match identifies the match an event belongs to.
type Match struct {
	MatchID int
	GameID  int
	Rated   bool
	// At is when the event happened.
	At time.Time
}

// LifecycleObserver is notified of match lifecycle events. Each concern
// subscribes on its own; observers must not block.
type LifecycleObserver interface {
	GameWillStart(ctx context.Context, m Match, players []*domain.Player)
	BodyEntered(ctx context.Context, m Match, player *domain.Player, position int)
	BodyLeft(ctx context.Context, m Match, player *domain.Player)
	GameDidEnd(ctx context.Context, m Match, outcome domain.MatchOutcome)
}

// Manager dispatches match events to its observers in subscription order.
type Manager struct {
	mu        sync.RWMutex
	observers []LifecycleObserver
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a manager with the given observers.
func NewManager(logger *slog.Logger, observers ...LifecycleObserver) *Manager {
	return &Manager{
		observers: observers,
		logger:    logger,
		now:       time.Now,
	}
}

// Subscribe adds an observer.
func (m *Manager) Subscribe(obs LifecycleObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// Handle validates a match event and dispatches it.
func (m *Manager) Handle(ctx context.Context, ev domain.MatchEvent) error {
	if ev.MatchID <= 0 {
		return fmt.Errorf("%w: match id %d", domain.ErrInvalidRequest, ev.MatchID)
	}
	match := Match{MatchID: ev.MatchID, GameID: ev.GameID, Rated: ev.Rated, At: ev.Timestamp}
	if match.At.IsZero() {
		match.At = m.now()
	}

	var notify func(LifecycleObserver)
	switch ev.Type {
	case domain.EventGameWillStart:
		notify = func(o LifecycleObserver) { o.GameWillStart(ctx, match, ev.Players) }
	case domain.EventBodyEntered:
		if ev.Player == nil {
			return fmt.Errorf("%w: %s without player", domain.ErrInvalidRequest, ev.Type)
		}
		notify = func(o LifecycleObserver) { o.BodyEntered(ctx, match, ev.Player, ev.Position) }
	case domain.EventBodyLeft:
		if ev.Player == nil {
			return fmt.Errorf("%w: %s without player", domain.ErrInvalidRequest, ev.Type)
		}
		notify = func(o LifecycleObserver) { o.BodyLeft(ctx, match, ev.Player) }
	case domain.EventGameDidEnd:
		outcome := domain.MatchOutcome{
			Winners: ev.Winners,
			Draw:    ev.Draw,
			Scores:  ev.Scores,
			EndedAt: match.At,
		}
		notify = func(o LifecycleObserver) { o.GameDidEnd(ctx, match, outcome) }
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownEventType, ev.Type)
	}

	metrics.RecordMatchEvent(string(ev.Type))
	m.logger.Debug("dispatching match event", "type", ev.Type, "match_id", ev.MatchID)

	m.mu.RLock()
	observers := append([]LifecycleObserver(nil), m.observers...)
	m.mu.RUnlock()
	for _, o := range observers {
		notify(o)
	}
	return nil
}
