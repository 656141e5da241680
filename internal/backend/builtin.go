package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/envgate/envgate/internal/sim"
	"github.com/envgate/envgate/internal/spaces"
)

func init() {
	Register("builtin", func() Backend { return &Builtin{} })
}

// Builtin hosts the pure-Go simulations from the sim package in-process.
type Builtin struct{}

// Name returns the backend kind tag.
func (b *Builtin) Name() string { return "builtin" }

// Create instantiates one simulation. Unknown env IDs fail with
// ErrUnavailable; an unsupported agent count fails with ErrIncompatible.
func (b *Builtin) Create(_ context.Context, spec EnvironmentSpec) (Instance, error) {
	if !sim.Registered(spec.ID) {
		return nil, fmt.Errorf("%w: simulation %q not registered (known: %v)", ErrUnavailable, spec.ID, sim.IDs())
	}
	numAgents := spec.NumAgents
	if numAgents == 0 {
		numAgents = 1
	}
	if numAgents < 0 {
		return nil, fmt.Errorf("%w: num_agents %d", ErrIncompatible, numAgents)
	}
	env, err := sim.New(spec.ID, sim.Config{
		NumAgents: numAgents,
		Graphics:  spec.Launch.Graphics,
		Speed:     spec.Launch.Speed,
		Seed:      spec.Launch.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &builtinInstance{env: env}, nil
}

type builtinInstance struct {
	mu     sync.Mutex
	env    sim.Env
	closed bool
}

func (i *builtinInstance) Reset(_ context.Context, seed int64) ([]spaces.Tensor, map[string]any, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, nil, fmt.Errorf("reset on closed instance")
	}
	obs, info := i.env.Reset(seed)
	return obs, info, nil
}

func (i *builtinInstance) Step(_ context.Context, actions []spaces.Tensor) (StepResult, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return StepResult{}, fmt.Errorf("step on closed instance")
	}
	// Slots without a pending action receive the backend default, a zero
	// action of the declared dimension.
	filled := make([]spaces.Tensor, len(actions))
	dim := i.env.ActionSpace().FlatDim()
	for s, a := range actions {
		if a == nil {
			a = make(spaces.Tensor, dim)
		}
		filled[s] = a
	}
	res, err := i.env.Step(filled)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Observations: res.Observations,
		Rewards:      res.Rewards,
		Terminated:   res.Terminated,
		Truncated:    res.Truncated,
		Info:         res.Info,
	}, nil
}

func (i *builtinInstance) NumAgents() int { return i.env.NumAgents() }

func (i *builtinInstance) ActionSpace() spaces.Space { return i.env.ActionSpace() }

func (i *builtinInstance) ObservationSpace() spaces.Space { return i.env.ObservationSpace() }

// Close is idempotent.
func (i *builtinInstance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	i.env.Close()
	return nil
}
