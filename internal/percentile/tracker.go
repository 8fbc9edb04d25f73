package percentile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lobby-ratings/internal/domain"
)

// ScoreTracker is the tracker name used for end-of-match scores.
const ScoreTracker = "score"

// Store persists serialized percentilers.
type Store interface {
	// LoadPercentile returns domain.ErrPercentileNotFound when no blob exists.
	LoadPercentile(ctx context.Context, gameID int, name string) ([]byte, error)
	SavePercentile(ctx context.Context, gameID int, name string, data []byte) error
}

// Key identifies one percentiler.
type Key struct {
	GameID int
	Name   string
}

type trackerEntry struct {
	p     *Percentiler
	dirty bool
}

// Tracker holds the percentilers of every game, loading them lazily from a
// Store and flushing the modified ones on demand. It is safe for
// concurrent use.
type Tracker struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	entries map[Key]*trackerEntry
}

// NewTracker creates a tracker backed by store. A nil store keeps every
// percentiler in memory only.
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:   store,
		logger:  logger,
		entries: make(map[Key]*trackerEntry),
	}
}

// Record adds a value to the named percentiler of a game.
func (t *Tracker) Record(ctx context.Context, gameID int, name string, value float64) error {
	key := Key{GameID: gameID, Name: name}
	if err := t.ensure(ctx, key); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[key]
	e.p.RecordValue(value)
	e.dirty = true
	return nil
}

// Percentile returns the percentile rank of value.
func (t *Tracker) Percentile(ctx context.Context, gameID int, name string, value float64) (int, error) {
	key := Key{GameID: gameID, Name: name}
	if err := t.ensure(ctx, key); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[key].p.Percentile(value), nil
}

// RequiredScore returns the lowest value reaching the given percentile.
func (t *Tracker) RequiredScore(ctx context.Context, gameID int, name string, pct int) (float64, error) {
	key := Key{GameID: gameID, Name: name}
	if err := t.ensure(ctx, key); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[key].p.RequiredScore(pct), nil
}

// Summary describes a percentiler for display.
type Summary struct {
	GameID int     `json:"game_id"`
	Name   string  `json:"name"`
	Min    int     `json:"min"`
	Max    int     `json:"max"`
	Count  int64   `json:"count"`
	Counts []int32 `json:"counts"`
}

// Summary returns the current state of a percentiler.
func (t *Tracker) Summary(ctx context.Context, gameID int, name string) (Summary, error) {
	key := Key{GameID: gameID, Name: name}
	if err := t.ensure(ctx, key); err != nil {
		return Summary{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.entries[key].p
	return Summary{
		GameID: gameID,
		Name:   name,
		Min:    p.Min(),
		Max:    p.Max(),
		Count:  p.Count(),
		Counts: p.Counts(),
	}, nil
}

// Flush saves every modified percentiler and returns how many were written.
// Entries that fail to save stay dirty for the next flush.
func (t *Tracker) Flush(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}

	type pending struct {
		key  Key
		data []byte
	}
	t.mu.Lock()
	var batch []pending
	for key, e := range t.entries {
		if e.dirty {
			batch = append(batch, pending{key: key, data: e.p.ToBytes()})
			e.dirty = false
		}
	}
	t.mu.Unlock()

	var errs []error
	written := 0
	for _, b := range batch {
		if err := t.store.SavePercentile(ctx, b.key.GameID, b.key.Name, b.data); err != nil {
			t.logger.Error("failed to save percentiler",
				"game_id", b.key.GameID,
				"name", b.key.Name,
				"error", err,
			)
			t.markDirty(b.key)
			errs = append(errs, err)
			continue
		}
		written++
	}
	return written, errors.Join(errs...)
}

func (t *Tracker) markDirty(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		e.dirty = true
	}
}

// ensure loads the percentiler for key if it is not yet resident.
func (t *Tracker) ensure(ctx context.Context, key Key) error {
	t.mu.Lock()
	_, ok := t.entries[key]
	t.mu.Unlock()
	if ok {
		return nil
	}

	p, err := t.load(ctx, key)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; !ok {
		t.entries[key] = &trackerEntry{p: p}
	}
	return nil
}

func (t *Tracker) load(ctx context.Context, key Key) (*Percentiler, error) {
	if t.store == nil {
		return New(WithLogger(t.logger)), nil
	}
	data, err := t.store.LoadPercentile(ctx, key.GameID, key.Name)
	if errors.Is(err, domain.ErrPercentileNotFound) {
		return New(WithLogger(t.logger)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading percentiler: %w", err)
	}
	p, err := FromBytes(data, WithLogger(t.logger))
	if err != nil {
		t.logger.Warn("discarding unreadable percentiler",
			"game_id", key.GameID,
			"name", key.Name,
			"error", err,
		)
		return New(WithLogger(t.logger)), nil
	}
	return p, nil
}
