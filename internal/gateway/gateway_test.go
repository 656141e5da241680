package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/envgate/envgate/internal/backend"
	"github.com/envgate/envgate/internal/spaces"
)

// scriptInstance is a programmable backend instance. stepFn, when set,
// scripts each step outcome; otherwise every slot stays live with reward 1.
type scriptInstance struct {
	agents   int
	resets   int32
	steps    int32
	stepFn   func(step int, actions []spaces.Tensor) (backend.StepResult, error)
	resetErr error
}

func (s *scriptInstance) Reset(_ context.Context, seed int64) ([]spaces.Tensor, map[string]any, error) {
	if s.resetErr != nil {
		return nil, nil, s.resetErr
	}
	n := atomic.AddInt32(&s.resets, 1)
	obs := make([]spaces.Tensor, s.agents)
	for i := range obs {
		obs[i] = spaces.Tensor{float64(n), float64(i)}
	}
	return obs, map[string]any{"episode": int(n)}, nil
}

func (s *scriptInstance) Step(_ context.Context, actions []spaces.Tensor) (backend.StepResult, error) {
	step := int(atomic.AddInt32(&s.steps, 1))
	if s.stepFn != nil {
		return s.stepFn(step, actions)
	}
	res := backend.StepResult{
		Observations: make([]spaces.Tensor, s.agents),
		Rewards:      make([]float64, s.agents),
		Terminated:   make([]bool, s.agents),
		Truncated:    make([]bool, s.agents),
	}
	for i := range res.Observations {
		res.Observations[i] = spaces.Tensor{float64(step), float64(i)}
		res.Rewards[i] = 1
	}
	return res, nil
}

func (s *scriptInstance) NumAgents() int { return s.agents }

func (s *scriptInstance) ActionSpace() spaces.Space { return spaces.Discrete(2) }

func (s *scriptInstance) ObservationSpace() spaces.Space {
	return spaces.Box([]float64{0, 0}, []float64{10, 10})
}

func (s *scriptInstance) Close() error { return nil }

// scriptBackend hands out instances from a queue.
type scriptBackend struct {
	queue []*scriptInstance
	next  int32
	fail  int32
}

func (b *scriptBackend) Name() string { return "script" }

func (b *scriptBackend) Create(context.Context, backend.EnvironmentSpec) (backend.Instance, error) {
	n := atomic.AddInt32(&b.next, 1)
	if n == atomic.LoadInt32(&b.fail) {
		return nil, fmt.Errorf("%w: scripted create failure", backend.ErrUnavailable)
	}
	if int(n) > len(b.queue) {
		return nil, fmt.Errorf("%w: instance queue exhausted", backend.ErrUnavailable)
	}
	return b.queue[n-1], nil
}

func newTestGateway(b backend.Backend, opts ...Option) *Gateway {
	opts = append(opts, WithResolver(func(string) (backend.Backend, error) { return b, nil }))
	return New(opts...)
}

func spec() backend.EnvironmentSpec {
	return backend.EnvironmentSpec{ID: "Script-v0", Backend: "script", NumAgents: 2}
}

func TestMakeCreatesSession(t *testing.T) {
	g := newTestGateway(&scriptBackend{queue: []*scriptInstance{{agents: 2}}})

	res, err := g.Make(context.Background(), spec())
	if err != nil {
		t.Fatalf("Make returned unexpected error: %v", err)
	}
	if !strings.HasPrefix(res.SessionKey, "env_") {
		t.Errorf("session key %q does not have \"env_\" prefix", res.SessionKey)
	}
	if res.ActionSpace.Type != spaces.TypeDiscrete {
		t.Errorf("ActionSpace.Type = %q, want discrete", res.ActionSpace.Type)
	}
	if g.SessionCount() != 1 {
		t.Errorf("SessionCount() = %d, want 1", g.SessionCount())
	}
	if g.AgentCount() != 2 {
		t.Errorf("AgentCount() = %d, want 2", g.AgentCount())
	}
}

func TestMakeUnknownBackendKind(t *testing.T) {
	g := New()
	_, err := g.Make(context.Background(), backend.EnvironmentSpec{ID: "X", Backend: "nope"})
	if !errors.Is(err, backend.ErrUnavailable) {
		t.Errorf("Make error = %v, want ErrUnavailable", err)
	}
}

func TestMakeVecAllOrNothing(t *testing.T) {
	b := &scriptBackend{
		queue: []*scriptInstance{{agents: 1}, {agents: 1}, {agents: 1}},
		fail:  2,
	}
	g := newTestGateway(b)

	_, err := g.MakeVec(context.Background(), spec(), 3)
	if !errors.Is(err, backend.ErrPartialCreate) {
		t.Fatalf("MakeVec error = %v, want ErrPartialCreate", err)
	}
	if g.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d after failed make_vec, want 0", g.SessionCount())
	}
}

func TestResetReturnsPerSlotObservations(t *testing.T) {
	g := newTestGateway(&scriptBackend{queue: []*scriptInstance{{agents: 2}}})
	res, _ := g.Make(context.Background(), spec())

	out, err := g.Reset(context.Background(), res.SessionKey, nil, nil)
	if err != nil {
		t.Fatalf("Reset returned unexpected error: %v", err)
	}
	obs, ok := out.Observations.([]any)
	if !ok || len(obs) != 2 {
		t.Fatalf("Observations = %v, want 2 per-slot entries", out.Observations)
	}
	if obs[0] == nil || obs[1] == nil {
		t.Error("fresh reset returned null observations")
	}
}

func TestResetUnknownSession(t *testing.T) {
	g := newTestGateway(&scriptBackend{})
	_, err := g.Reset(context.Background(), "env_missing", nil, nil)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Reset error = %v, want ErrSessionNotFound", err)
	}
}

func TestResetFreshInstanceServesCache(t *testing.T) {
	inst := &scriptInstance{agents: 1}
	g := newTestGateway(&scriptBackend{queue: []*scriptInstance{inst}})
	res, _ := g.Make(context.Background(), spec())

	g.Reset(context.Background(), res.SessionKey, nil, nil)
	if n := atomic.LoadInt32(&inst.resets); n != 1 {
		t.Fatalf("backend resets = %d, want 1", n)
	}

	// A second unseeded reset on a never-stepped instance serves the cached
	// initial observations instead of burning another episode.
	g.Reset(context.Background(), res.SessionKey, nil, nil)
	if n := atomic.LoadInt32(&inst.resets); n != 1 {
		t.Errorf("backend resets = %d after cached reset, want 1", n)
	}

	// An explicit seed demands a fresh draw.
	seed := int64(9)
	g.Reset(context.Background(), res.SessionKey, &seed, nil)
	if n := atomic.LoadInt32(&inst.resets); n != 2 {
		t.Errorf("backend resets = %d after seeded reset, want 2", n)
	}
}

func TestResetTargetsOneInstance(t *testing.T) {
	a := &scriptInstance{agents: 1}
	b := &scriptInstance{agents: 1}
	g := newTestGateway(&scriptBackend{queue: []*scriptInstance{a, b}})
	res, err := g.MakeVec(context.Background(), spec(), 2)
	if err != nil {
		t.Fatalf("MakeVec returned unexpected error: %v", err)
	}

	// Vectorized creation is concurrent, so either backend instance may be
	// instance 1; the invariant is that exactly one sibling is touched.
	idx := 1
	if _, err := g.Reset(context.Background(), res.SessionKey, nil, &idx); err != nil {
		t.Fatalf("Reset returned unexpected error: %v", err)
	}
	total := atomic.LoadInt32(&a.resets) + atomic.LoadInt32(&b.resets)
	if total != 1 {
		t.Errorf("targeted reset touched %d instances, want 1", total)
	}

	idx = 5
	if _, err := g.Reset(context.Background(), res.SessionKey, nil, &idx); err == nil {
		t.Error("Reset with out-of-range instance returned nil error")
	}
}

func TestStepSlotMajorOutput(t *testing.T) {
	inst := &scriptInstance{agents: 2}
	inst.stepFn = func(step int, actions []spaces.Tensor) (backend.StepResult, error) {
		// Slot 1 went inactive: nil observation, terminated stays true.
		return backend.StepResult{
			Observations: []spaces.Tensor{{1, 2}, nil},
			Rewards:      []float64{0.5, 0},
			Terminated:   []bool{false, true},
			Truncated:    []bool{false, false},
		}, nil
	}
	g := newTestGateway(&scriptBackend{queue: []*scriptInstance{inst}})
	res, _ := g.Make(context.Background(), spec())
	g.Reset(context.Background(), res.SessionKey, nil, nil)

	out, err := g.Step(context.Background(), res.SessionKey, []any{[]any{1.0, 0.0}, nil})
	if err != nil {
		t.Fatalf("Step returned unexpected error: %v", err)
	}

	obs := out.Observations.([]any)
	rewards := out.Rewards.([]any)
	terminated := out.Terminated.([]any)
	if len(obs) != 2 || len(rewards) != 2 || len(terminated) != 2 {
		t.Fatal("step output does not carry one entry per agent slot")
	}
	if obs[1] != nil {
		t.Errorf("inactive slot observation = %v, want null", obs[1])
	}
	if rewards[1] != nil {
		t.Errorf("inactive slot reward = %v, want null", rewards[1])
	}
	if terminated[1] != true {
		t.Errorf("inactive slot terminated = %v, want true", terminated[1])
	}
	if obs[0] == nil || rewards[0] != 0.5 {
		t.Errorf("live slot data wrong: obs=%v rewards=%v", obs[0], rewards[0])
	}
}

func TestStepRejectsBadActionKeys(t *testing.T) {
	inst := &scriptInstance{agents: 2}
	g := newTestGateway(&scriptBackend{queue: []*scriptInstance{inst}})
	res, _ := g.Make(context.Background(), spec())
	g.Reset(context.Background(), res.SessionKey, nil, nil)
	before := atomic.LoadInt32(&inst.steps)

	cases := []struct {
		name    string
		actions any
	}{
		{"slot key out of range", map[string]any{"7": []any{1.0}}},
		{"non-numeric slot key", map[string]any{"left": []any{1.0}}},
		{"too many dense actions", []any{1.0, 1.0, 1.0}},
		{"scalar for multi-agent", 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.Step(context.Background(), res.SessionKey, tc.actions)
			if !errors.Is(err, ErrActionShapeMismatch) {
				t.Errorf("Step error = %v, want ErrActionShapeMismatch", err)
			}
		})
	}

	// The whole call was rejected before touching the backend.
	if after := atomic.LoadInt32(&inst.steps); after != before {
		t.Errorf("backend stepped %d times during rejected calls, want 0", after-before)
	}
}

func TestStepRejectsInactiveSlotAction(t *testing.T) {
	inst := &scriptInstance{agents: 2}
	inst.stepFn = func(step int, actions []spaces.Tensor) (backend.StepResult, error) {
		return backend.StepResult{
			Observations: []spaces.Tensor{{1, 1}, nil},
			Rewards:      []float64{1, 0},
			Terminated:   []bool{false, true},
			Truncated:    []bool{false, false},
		}, nil
	}
	g := newTestGateway(&scriptBackend{queue: []*scriptInstance{inst}})
	res, _ := g.Make(context.Background(), spec())
	g.Reset(context.Background(), res.SessionKey, nil, nil)

	// First step deactivates slot 1.
	if _, err := g.Step(context.Background(), res.SessionKey, map[string]any{"0": []any{1.0}}); err != nil {
		t.Fatalf("Step returned unexpected error: %v", err)
	}

	// Addressing the inactive slot now rejects the whole call.
	_, err := g.Step(context.Background(), res.SessionKey, map[string]any{"1": []any{1.0}})
	if !errors.Is(err, ErrActionShapeMismatch) {
		t.Errorf("Step error = %v, want ErrActionShapeMismatch", err)
	}
}

func TestStepVectorizedInstanceMajor(t *testing.T) {
	a := &scriptInstance{agents: 1}
	b := &scriptInstance{agents: 1}
	g := newTestGateway(&scriptBackend{queue: []*scriptInstance{a, b}})
	res, _ := g.MakeVec(context.Background(), spec(), 2)
	g.Reset(context.Background(), res.SessionKey, nil, nil)

	out, err := g.Step(context.Background(), res.SessionKey, map[string]any{
		"0": []any{1.0},
		"1": []any{0.0},
	})
	if err != nil {
		t.Fatalf("Step returned unexpected error: %v", err)
	}
	obs, ok := out.Observations.([]any)
	if !ok || len(obs) != 2 {
		t.Fatalf("Observations = %v, want 2 instance entries", out.Observations)
	}
	slots, ok := obs[0].([]any)
	if !ok || len(slots) != 1 {
		t.Fatalf("instance 0 observations = %v, want 1 slot entry", obs[0])
	}

	// Instance keys outside the range reject the whole call.
	if _, err := g.Step(context.Background(), res.SessionKey, map[string]any{"3": []any{1.0}}); !errors.Is(err, ErrActionShapeMismatch) {
		t.Errorf("Step error = %v, want ErrActionShapeMismatch", err)
	}

	// A vectorized session refuses a bare dense list.
	if _, err := g.Step(context.Background(), res.SessionKey, []any{1.0}); !errors.Is(err, ErrActionShapeMismatch) {
		t.Errorf("Step error = %v, want ErrActionShapeMismatch", err)
	}
}

func TestStepMissingInstanceGetsDefaults(t *testing.T) {
	// Record the actions each instance receives; only instance 0 of the
	// session is addressed, so exactly one backend must see [nil].
	var seen [2][]spaces.Tensor
	record := func(slot int) func(int, []spaces.Tensor) (backend.StepResult, error) {
		return func(_ int, actions []spaces.Tensor) (backend.StepResult, error) {
			seen[slot] = actions
			return backend.StepResult{
				Observations: []spaces.Tensor{{1, 1}},
				Rewards:      []float64{0},
				Terminated:   []bool{false},
				Truncated:    []bool{false},
			}, nil
		}
	}
	a := &scriptInstance{agents: 1, stepFn: record(0)}
	b := &scriptInstance{agents: 1, stepFn: record(1)}
	g := newTestGateway(&scriptBackend{queue: []*scriptInstance{a, b}})
	res, _ := g.MakeVec(context.Background(), spec(), 2)
	g.Reset(context.Background(), res.SessionKey, nil, nil)

	if _, err := g.Step(context.Background(), res.SessionKey, map[string]any{"0": []any{1.0}}); err != nil {
		t.Fatalf("Step returned unexpected error: %v", err)
	}
	defaulted := 0
	for _, actions := range seen {
		if len(actions) != 1 {
			t.Fatalf("instance received %d action slots, want 1", len(actions))
		}
		if actions[0] == nil {
			defaulted++
		}
	}
	if defaulted != 1 {
		t.Errorf("%d instances received default actions, want exactly 1", defaulted)
	}
}

func TestAutoresetDefault(t *testing.T) {
	inst := &scriptInstance{agents: 1}
	inst.stepFn = func(step int, actions []spaces.Tensor) (backend.StepResult, error) {
		// Every episode ends on its first step.
		return backend.StepResult{
			Observations: []spaces.Tensor{{9, 9}},
			Rewards:      []float64{1},
			Terminated:   []bool{true},
			Truncated:    []bool{false},
		}, nil
	}
	g := newTestGateway(&scriptBackend{queue: []*scriptInstance{inst}})
	res, _ := g.Make(context.Background(), spec())
	g.Reset(context.Background(), res.SessionKey, nil, nil)
	if atomic.LoadInt32(&inst.resets) != 1 {
		t.Fatalf("resets = %d, want 1", inst.resets)
	}

	out, err := g.Step(context.Background(), res.SessionKey, []any{1.0})
	if err != nil {
		t.Fatalf("Step returned unexpected error: %v", err)
	}
	// The ending step carries the final observations.
	obs := out.Observations.([]any)
	if obs[0] == nil {
		t.Error("ending step returned null observation")
	}
	// Default autoreset already rolled the internal reset in.
	if n := atomic.LoadInt32(&inst.resets); n != 2 {
		t.Errorf("resets = %d after ended episode, want 2", n)
	}
	if info, ok := out.Info.(map[string]any); ok {
		if _, has := info["final_observation"]; has {
			t.Error("default mode must not attach final_observation")
		}
	}

	// The next step proceeds in the fresh episode with no stale gap.
	if _, err := g.Step(context.Background(), res.SessionKey, []any{1.0}); err != nil {
		t.Fatalf("step after autoreset returned unexpected error: %v", err)
	}
}

func TestAutoresetLegacyFinalObs(t *testing.T) {
	inst := &scriptInstance{agents: 1}
	inst.stepFn = func(step int, actions []spaces.Tensor) (backend.StepResult, error) {
		return backend.StepResult{
			Observations: []spaces.Tensor{{7, 7}},
			Rewards:      []float64{1},
			Terminated:   []bool{true},
			Truncated:    []bool{false},
		}, nil
	}
	g := newTestGateway(&scriptBackend{queue: []*scriptInstance{inst}})
	sp := spec()
	sp.Launch.LegacyFinalObs = true
	res, _ := g.Make(context.Background(), sp)
	g.Reset(context.Background(), res.SessionKey, nil, nil)

	out, err := g.Step(context.Background(), res.SessionKey, []any{1.0})
	if err != nil {
		t.Fatalf("Step returned unexpected error: %v", err)
	}
	info := out.Info.(map[string]any)
	finals, ok := info["final_observation"].([]any)
	if !ok || len(finals) != 1 {
		t.Fatalf("info[final_observation] = %v, want 1 per-slot entry", info["final_observation"])
	}
	// The internal reset is deferred to the next call.
	if n := atomic.LoadInt32(&inst.resets); n != 1 {
		t.Errorf("resets = %d after ended episode, want 1 (deferred)", n)
	}

	if _, err := g.Step(context.Background(), res.SessionKey, []any{1.0}); err != nil {
		t.Fatalf("step after legacy end returned unexpected error: %v", err)
	}
	if n := atomic.LoadInt32(&inst.resets); n != 2 {
		t.Errorf("resets = %d after deferred reset, want 2", n)
	}
}

func TestStepBackendErrorDegradesSession(t *testing.T) {
	inst := &scriptInstance{agents: 1}
	inst.stepFn = func(step int, actions []spaces.Tensor) (backend.StepResult, error) {
		return backend.StepResult{}, fmt.Errorf("simulation crashed")
	}
	g := newTestGateway(&scriptBackend{queue: []*scriptInstance{inst}})
	res, _ := g.Make(context.Background(), spec())
	g.Reset(context.Background(), res.SessionKey, nil, nil)

	_, err := g.Step(context.Background(), res.SessionKey, []any{1.0})
	if !errors.Is(err, ErrBackendStep) {
		t.Fatalf("Step error = %v, want ErrBackendStep", err)
	}

	// Further steps are rejected while degraded.
	_, err = g.Step(context.Background(), res.SessionKey, []any{1.0})
	if !errors.Is(err, ErrSessionDegraded) {
		t.Errorf("Step error = %v, want ErrSessionDegraded", err)
	}

	// A successful reset clears the condition.
	inst.stepFn = nil
	if _, err := g.Reset(context.Background(), res.SessionKey, nil, nil); err != nil {
		t.Fatalf("Reset returned unexpected error: %v", err)
	}
	if _, err := g.Step(context.Background(), res.SessionKey, []any{1.0}); err != nil {
		t.Errorf("Step after recovery returned unexpected error: %v", err)
	}

	// The session stayed closeable throughout.
	if err := g.Close(context.Background(), res.SessionKey); err != nil {
		t.Errorf("Close returned unexpected error: %v", err)
	}
}

func TestSpaceAccessorsFixedForLifetime(t *testing.T) {
	g := newTestGateway(&scriptBackend{queue: []*scriptInstance{{agents: 1}}})
	res, _ := g.Make(context.Background(), spec())

	act, err := g.ActionSpace(res.SessionKey)
	if err != nil {
		t.Fatalf("ActionSpace returned unexpected error: %v", err)
	}
	if act.Type != spaces.TypeDiscrete || act.Categories != 2 {
		t.Errorf("ActionSpace = %+v, want discrete with 2 categories", act)
	}
	obs, err := g.ObservationSpace(res.SessionKey)
	if err != nil {
		t.Fatalf("ObservationSpace returned unexpected error: %v", err)
	}
	if obs.Type != spaces.TypeBox {
		t.Errorf("ObservationSpace.Type = %q, want box", obs.Type)
	}
}

func TestCloseSemantics(t *testing.T) {
	g := newTestGateway(&scriptBackend{queue: []*scriptInstance{{agents: 1}, {agents: 1}}})
	a, _ := g.Make(context.Background(), spec())
	b, _ := g.Make(context.Background(), spec())

	// Closing an unknown key succeeds.
	if err := g.Close(context.Background(), "env_unknown"); err != nil {
		t.Errorf("Close of unknown key = %v, want nil", err)
	}

	if err := g.Close(context.Background(), a.SessionKey); err != nil {
		t.Fatalf("Close returned unexpected error: %v", err)
	}
	// Closing twice succeeds.
	if err := g.Close(context.Background(), a.SessionKey); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if g.SessionCount() != 1 {
		t.Errorf("SessionCount() = %d, want 1", g.SessionCount())
	}

	// An empty key closes everything.
	if err := g.Close(context.Background(), ""); err != nil {
		t.Fatalf("Close(\"\") returned unexpected error: %v", err)
	}
	if g.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d after close all, want 0", g.SessionCount())
	}
	_ = b
}

func TestPairHookFiresOnce(t *testing.T) {
	var fired int32
	g := newTestGateway(
		&scriptBackend{queue: []*scriptInstance{{agents: 1}}},
		WithPairHook(func() { atomic.AddInt32(&fired, 1) }),
	)
	res, _ := g.Make(context.Background(), spec())
	g.Reset(context.Background(), res.SessionKey, nil, nil)
	g.Step(context.Background(), res.SessionKey, []any{1.0})

	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Errorf("pair hook fired %d times, want 1", n)
	}
}
