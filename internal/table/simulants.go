package table

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lobby-ratings/internal/domain"
)

// Simulant is a computer-controlled occupant added to a game when it is
// created.
type Simulant interface {
	Key() string
	Name() string
}

// SimulantFactory builds a simulant for a game.
type SimulantFactory func(cfg domain.GameConfig) Simulant

// SimulantRegistry resolves simulant keys to factories.
type SimulantRegistry struct {
	mu        sync.RWMutex
	factories map[string]SimulantFactory
}

// NewSimulantRegistry creates an empty registry.
func NewSimulantRegistry() *SimulantRegistry {
	return &SimulantRegistry{factories: make(map[string]SimulantFactory)}
}

// Register adds a factory. Keys are registered once.
func (r *SimulantRegistry) Register(key string, factory SimulantFactory) error {
	if key == "" || factory == nil {
		return fmt.Errorf("%w: empty simulant registration", ErrInvalidConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[key]; ok {
		return fmt.Errorf("%w: simulant %q registered twice", ErrInvalidConfig, key)
	}
	r.factories[key] = factory
	return nil
}

// Known reports whether key has a factory.
func (r *SimulantRegistry) Known(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[key]
	return ok
}

// Keys returns the registered keys in order.
func (r *SimulantRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Instantiate builds the simulants named by cfg.
func (r *SimulantRegistry) Instantiate(cfg domain.GameConfig) ([]Simulant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Simulant, 0, len(cfg.Simulants))
	for _, key := range cfg.Simulants {
		factory, ok := r.factories[key]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSimulant, key)
		}
		out = append(out, factory(cfg))
	}
	return out, nil
}

// Bot is a plain simulant with a fixed name.
type Bot struct {
	key  string
	name string
}

func (b Bot) Key() string  { return b.key }
func (b Bot) Name() string { return b.name }

// BotFactory returns a factory producing bots named after the game.
func BotFactory(key, name string) SimulantFactory {
	return func(cfg domain.GameConfig) Simulant {
		return Bot{key: key, name: fmt.Sprintf("%s (%s)", name, cfg.GameIdent)}
	}
}

// simulantPlayers gives simulants guest identities with negative body ids.
func simulantPlayers(sims []Simulant) []*domain.Player {
	out := make([]*domain.Player, len(sims))
	for i, s := range sims {
		out[i] = &domain.Player{BodyOID: -(i + 1), Name: s.Name()}
	}
	return out
}
