// Package sim hosts the built-in pure-Go simulations and the factory
// registry the builtin backend selects from.
package sim

import (
	"fmt"
	"sort"
	"sync"

	"github.com/envgate/envgate/internal/spaces"
)

// Config carries the launch options a simulation understands.
type Config struct {
	NumAgents int
	Graphics  bool
	Speed     float64
	Seed      int64
}

// StepResult bundles the per-slot outcome of one step.
type StepResult struct {
	Observations []spaces.Tensor
	Rewards      []float64
	Terminated   []bool
	Truncated    []bool
	Info         map[string]any
}

// Env is one live simulation instance. Slot indices are contiguous 0..N-1
// for the instance's lifetime; a slot with no data carries a nil tensor.
type Env interface {
	Reset(seed int64) ([]spaces.Tensor, map[string]any)
	Step(actions []spaces.Tensor) (StepResult, error)
	NumAgents() int
	ActionSpace() spaces.Space
	ObservationSpace() spaces.Space
	Close()
}

// Factory builds a fresh instance of a registered simulation.
type Factory func(cfg Config) (Env, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register adds a simulation factory under the given environment ID.
// Registering an already-known ID is a no-op, matching the upstream
// registration flow where re-registration is skipped.
func Register(id string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, ok := factories[id]; ok {
		return
	}
	factories[id] = f
}

// New instantiates the simulation registered under id.
func New(id string, cfg Config) (Env, error) {
	regMu.RLock()
	f, ok := factories[id]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("simulation %q is not registered", id)
	}
	if cfg.NumAgents < 1 {
		cfg.NumAgents = 1
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	return f(cfg)
}

// Registered reports whether an environment ID has a factory.
func Registered(id string) bool {
	regMu.RLock()
	defer regMu.RUnlock()
	_, ok := factories[id]
	return ok
}

// IDs returns the sorted list of registered environment IDs.
func IDs() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	ids := make([]string, 0, len(factories))
	for id := range factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
