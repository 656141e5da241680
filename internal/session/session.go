// Package session tracks live environment instances keyed by opaque session
// keys and serializes commands per key.
package session

import (
	"time"

	"github.com/envgate/envgate/internal/backend"
	"github.com/envgate/envgate/internal/spaces"
)

// AgentSlot is a logical agent index within one instance. Slot indices are
// contiguous 0..N-1 at creation and never renumbered; an inactive slot keeps
// its position and carries a nil observation.
type AgentSlot struct {
	Index      int
	Active     bool
	LastObs    spaces.Tensor
	LastReward float64
	Terminated bool
	Truncated  bool
}

// Instance is one live backend instance plus its per-slot bookkeeping.
type Instance struct {
	Backend backend.Instance
	Slots   []AgentSlot

	// PendingReset marks an ended episode whose internal reset is deferred
	// to the next call (legacy final-observation mode).
	PendingReset bool

	// Fresh marks an instance that was internally reset and has not been
	// stepped since; a reset arriving now can serve the cached initial
	// observations instead of burning another episode.
	Fresh bool

	Info map[string]any
}

// NewInstance wraps a backend instance with initialized slot bookkeeping.
func NewInstance(b backend.Instance) *Instance {
	slots := make([]AgentSlot, b.NumAgents())
	for i := range slots {
		slots[i] = AgentSlot{Index: i, Active: true}
	}
	return &Instance{Backend: b, Slots: slots}
}

// ApplyReset records a new episode's initial observations.
func (in *Instance) ApplyReset(obs []spaces.Tensor, info map[string]any) {
	for i := range in.Slots {
		s := &in.Slots[i]
		s.Active = true
		s.Terminated = false
		s.Truncated = false
		s.LastReward = 0
		if i < len(obs) {
			s.LastObs = obs[i].Clone()
		} else {
			s.LastObs = nil
		}
	}
	in.PendingReset = false
	in.Fresh = true
	in.Info = info
}

// ApplyStep records a step outcome in the slot table and reports whether
// the episode ended, meaning every slot is terminated or truncated.
func (in *Instance) ApplyStep(res backend.StepResult) (ended bool) {
	in.Fresh = false
	in.Info = res.Info
	ended = true
	for i := range in.Slots {
		s := &in.Slots[i]
		if i < len(res.Observations) {
			s.LastObs = res.Observations[i].Clone()
		}
		if i < len(res.Rewards) {
			s.LastReward = res.Rewards[i]
		}
		if i < len(res.Terminated) && res.Terminated[i] {
			s.Terminated = true
		}
		if i < len(res.Truncated) && res.Truncated[i] {
			s.Truncated = true
		}
		if s.Terminated || s.Truncated {
			s.Active = false
		} else {
			ended = false
		}
	}
	return ended
}

// Observations returns the current per-slot observations, nil for slots
// with no data.
func (in *Instance) Observations() []spaces.Tensor {
	out := make([]spaces.Tensor, len(in.Slots))
	for i := range in.Slots {
		out[i] = in.Slots[i].LastObs.Clone()
	}
	return out
}

// ActiveSlots returns the count of slots still running an episode.
func (in *Instance) ActiveSlots() int {
	n := 0
	for i := range in.Slots {
		if in.Slots[i].Active {
			n++
		}
	}
	return n
}

// Session owns one or more live backend instances created together.
// Space descriptors are fixed for the session's lifetime.
type Session struct {
	Key              string
	Spec             backend.EnvironmentSpec
	Instances        []*Instance
	ActionSpace      spaces.Space
	ObservationSpace spaces.Space
	CreatedAt        time.Time

	// Degraded marks a session whose backend raised during step; it stays
	// closeable but further steps are rejected until a reset succeeds.
	Degraded bool
}

// New creates a session over the given instances, declaring spaces from the
// first instance.
func New(spec backend.EnvironmentSpec, instances []backend.Instance) *Session {
	s := &Session{
		Key:       generateKey(),
		Spec:      spec,
		CreatedAt: time.Now(),
	}
	for _, b := range instances {
		s.Instances = append(s.Instances, NewInstance(b))
	}
	if len(instances) > 0 {
		s.ActionSpace = instances[0].ActionSpace().Sanitized()
		s.ObservationSpace = instances[0].ObservationSpace().Sanitized()
	}
	return s
}

// AgentCount sums active agent slots across all instances.
func (s *Session) AgentCount() int {
	n := 0
	for _, in := range s.Instances {
		n += in.ActiveSlots()
	}
	return n
}

// Close closes every instance, returning the first error. Instance Close is
// idempotent, so repeated session closes are safe.
func (s *Session) Close() error {
	var firstErr error
	for _, in := range s.Instances {
		if err := in.Backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
