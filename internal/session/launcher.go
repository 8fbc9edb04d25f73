package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lobby-ratings/internal/domain"
)

// PublishFunc delivers a match event, either to a local Manager or onto the
// event bus.
type PublishFunc func(ctx context.Context, ev domain.MatchEvent) error

// Launcher creates games for started tables by allocating a match id and
// announcing the match.
type Launcher struct {
	publish PublishFunc
	next    atomic.Int64
	logger  *slog.Logger
	now     func() time.Time
}

// NewLauncher creates a launcher whose match ids follow seed.
func NewLauncher(publish PublishFunc, seed int64, logger *slog.Logger) *Launcher {
	l := &Launcher{publish: publish, logger: logger, now: time.Now}
	l.next.Store(seed)
	return l
}

// CreateGame announces a match for the table with the given occupants and
// returns its id.
func (l *Launcher) CreateGame(ctx context.Context, t *domain.Table, players []*domain.Player) (int, error) {
	matchID := int(l.next.Add(1))
	ev := domain.MatchEvent{
		Type:      domain.EventGameWillStart,
		MatchID:   matchID,
		GameID:    t.Config.GameID,
		Rated:     t.Config.Rated,
		Players:   players,
		Timestamp: l.now().UTC(),
	}
	if err := l.publish(ctx, ev); err != nil {
		return domain.NoGame, fmt.Errorf("announcing match: %w", err)
	}

	l.logger.Info("game created",
		"match_id", matchID,
		"table_id", t.TableID,
		"game_ident", t.Config.GameIdent,
		"players", len(players),
	)
	return matchID, nil
}
