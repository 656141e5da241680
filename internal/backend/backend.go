// Package backend defines the uniform capability set wrapping one
// simulation library, and the closed-tag registry selecting between the
// supported kinds.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/envgate/envgate/internal/spaces"
)

// Sentinel errors for the adapter contract.
var (
	// ErrUnavailable means the named simulation cannot be located.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrIncompatible means the simulation does not support the declared
	// multi-agent shape.
	ErrIncompatible = errors.New("backend incompatible")
	// ErrPartialCreate means one of N vectorized instances failed; the
	// whole batch has been released.
	ErrPartialCreate = errors.New("partial vectorized create failure")
)

// LaunchOptions enumerates every recognized launch knob. Defaults are fixed
// here, not at call sites: Speed 0 means 1.0, Seed 0 means unseeded.
type LaunchOptions struct {
	Graphics       bool    `json:"graphics" yaml:"graphics"`
	Speed          float64 `json:"speed,omitempty" yaml:"speed,omitempty"`
	Seed           int64   `json:"seed,omitempty" yaml:"seed,omitempty"`
	LegacyFinalObs bool    `json:"legacy_final_obs,omitempty" yaml:"legacy_final_obs,omitempty"`
}

// EnvironmentSpec identifies what to simulate. Immutable once a session is
// created from it.
type EnvironmentSpec struct {
	ID         string        `json:"id" yaml:"id"`
	Backend    string        `json:"backend" yaml:"backend"`
	EntryPoint string        `json:"entry_point,omitempty" yaml:"entry_point,omitempty"`
	NumAgents  int           `json:"num_agents,omitempty" yaml:"num_agents,omitempty"`
	Launch     LaunchOptions `json:"launch,omitempty" yaml:"launch,omitempty"`
}

// StepResult bundles the per-slot outcome of stepping one instance.
type StepResult struct {
	Observations []spaces.Tensor
	Rewards      []float64
	Terminated   []bool
	Truncated    []bool
	Info         map[string]any
}

// Instance is one live simulation instance behind the adapter.
type Instance interface {
	// Reset starts a new episode. seed 0 keeps the current stream.
	Reset(ctx context.Context, seed int64) ([]spaces.Tensor, map[string]any, error)

	// Step advances one tick. actions is ordered by agent slot; a nil
	// tensor means the slot has no pending action and receives the
	// backend default.
	Step(ctx context.Context, actions []spaces.Tensor) (StepResult, error)

	// NumAgents returns the declared slot count, constant for the lifetime.
	NumAgents() int

	ActionSpace() spaces.Space
	ObservationSpace() spaces.Space

	// Close is idempotent; closing twice is a no-op.
	Close() error
}

// Backend creates instances for one simulation library.
type Backend interface {
	Name() string
	Create(ctx context.Context, spec EnvironmentSpec) (Instance, error)
}

var (
	regMu    sync.RWMutex
	backends = map[string]func() Backend{}
)

// Register adds a backend constructor under its kind tag.
func Register(kind string, f func() Backend) {
	regMu.Lock()
	defer regMu.Unlock()
	backends[kind] = f
}

// New returns a backend for the given kind tag.
func New(kind string) (Backend, error) {
	regMu.RLock()
	f, ok := backends[kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend kind %q", ErrUnavailable, kind)
	}
	return f(), nil
}

// Kinds reports whether the kind tag is registered.
func Kinds(kind string) bool {
	regMu.RLock()
	defer regMu.RUnlock()
	_, ok := backends[kind]
	return ok
}

// CreateVec creates n independent instances. Creation is all-or-nothing:
// if any instance fails, every already-created instance is released and the
// call fails with ErrPartialCreate.
func CreateVec(ctx context.Context, b Backend, spec EnvironmentSpec, n int) ([]Instance, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: num_envs must be >= 1, got %d", ErrIncompatible, n)
	}
	instances := make([]Instance, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			inst, err := b.Create(gctx, spec)
			if err != nil {
				return fmt.Errorf("instance %d: %w", i, err)
			}
			instances[i] = inst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, inst := range instances {
			if inst != nil {
				_ = inst.Close()
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrPartialCreate, err)
	}
	return instances, nil
}
