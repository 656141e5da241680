// Package gateway implements the request/response facade translating
// make/make_vec/reset/step/close/space calls into backend adapter calls,
// applying multi-agent indexing, missing-data, and autoreset policy.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/envgate/envgate/internal/backend"
	"github.com/envgate/envgate/internal/session"
	"github.com/envgate/envgate/internal/spaces"
	"github.com/envgate/envgate/internal/telemetry"
)

// Gateway is the uniform request surface over one backend adapter. It is
// constructed per exposure; nothing in here is a process-wide singleton, so
// multiple independent gateways can live in one process.
type Gateway struct {
	sessions *session.Registry
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	// resolve maps a backend kind tag to an adapter; overridable in tests.
	resolve func(kind string) (backend.Backend, error)

	pairOnce sync.Once
	pairHook func()
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithPairHook registers a callback invoked once, on the first command the
// gateway serves.
func WithPairHook(fn func()) Option {
	return func(g *Gateway) { g.pairHook = fn }
}

// WithResolver overrides backend kind resolution.
func WithResolver(fn func(kind string) (backend.Backend, error)) Option {
	return func(g *Gateway) { g.resolve = fn }
}

// New creates a gateway with its own session registry.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		sessions: session.NewRegistry(),
		logger:   slog.Default(),
		metrics:  telemetry.NewMetrics(),
		resolve:  backend.New,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Metrics exposes the gateway's metrics collector.
func (g *Gateway) Metrics() *telemetry.Metrics { return g.metrics }

// SessionCount returns the number of live sessions.
func (g *Gateway) SessionCount() int { return g.sessions.Len() }

// AgentCount sums active agent slots across all live sessions.
func (g *Gateway) AgentCount() int {
	total := 0
	for _, key := range g.sessions.Keys() {
		_ = g.sessions.With(key, func(s *session.Session) error {
			total += s.AgentCount()
			return nil
		})
	}
	return total
}

func (g *Gateway) notifyPaired() {
	if g.pairHook == nil {
		return
	}
	g.pairOnce.Do(g.pairHook)
}

func (g *Gateway) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	g.metrics.ObserveOp(op, status, time.Since(start))
	g.metrics.SetActiveSessions(g.sessions.Len())
}

// MakeResult is the response to make and make_vec.
type MakeResult struct {
	SessionKey       string       `json:"session_key"`
	ActionSpace      spaces.Space `json:"action_space"`
	ObservationSpace spaces.Space `json:"observation_space"`
}

// Make creates a session with a single instance.
func (g *Gateway) Make(ctx context.Context, spec backend.EnvironmentSpec) (res MakeResult, err error) {
	start := time.Now()
	defer func() { g.observe("make", start, err) }()
	defer g.notifyPaired()

	b, err := g.resolve(spec.Backend)
	if err != nil {
		return MakeResult{}, err
	}
	inst, err := b.Create(ctx, spec)
	if err != nil {
		return MakeResult{}, err
	}
	return g.admit(spec, []backend.Instance{inst})
}

// MakeVec creates a session with n instances, all-or-nothing.
func (g *Gateway) MakeVec(ctx context.Context, spec backend.EnvironmentSpec, n int) (res MakeResult, err error) {
	start := time.Now()
	defer func() { g.observe("make_vec", start, err) }()
	defer g.notifyPaired()

	b, err := g.resolve(spec.Backend)
	if err != nil {
		return MakeResult{}, err
	}
	instances, err := backend.CreateVec(ctx, b, spec, n)
	if err != nil {
		return MakeResult{}, err
	}
	return g.admit(spec, instances)
}

func (g *Gateway) admit(spec backend.EnvironmentSpec, instances []backend.Instance) (MakeResult, error) {
	sess := session.New(spec, instances)
	g.sessions.Put(sess)
	g.logger.Info("session created",
		"session_key", sess.Key,
		"env_id", spec.ID,
		"backend", spec.Backend,
		"num_envs", len(instances),
		"num_agents", instances[0].NumAgents())
	return MakeResult{
		SessionKey:       sess.Key,
		ActionSpace:      sess.ActionSpace,
		ObservationSpace: sess.ObservationSpace,
	}, nil
}

// ResetOutput is the response to reset. For vectorized sessions the fields
// are instance-major; single-instance sessions return slot-major directly.
type ResetOutput struct {
	Observations any `json:"observations"`
	Info         any `json:"info"`
}

// Reset starts new episodes. A non-nil instance index targets one instance
// of a vectorized session, leaving sibling instances untouched.
func (g *Gateway) Reset(ctx context.Context, key string, seed *int64, instance *int) (out ResetOutput, err error) {
	start := time.Now()
	defer func() { g.observe("reset", start, err) }()
	defer g.notifyPaired()

	err = g.sessions.With(key, func(s *session.Session) error {
		targets := s.Instances
		if instance != nil {
			if *instance < 0 || *instance >= len(s.Instances) {
				return fmt.Errorf("instance index %d out of range [0,%d)", *instance, len(s.Instances))
			}
			targets = s.Instances[*instance : *instance+1]
		}
		for _, in := range targets {
			if err := g.resetInstance(ctx, in, seed); err != nil {
				return err
			}
		}
		s.Degraded = false
		out = buildResetOutput(s)
		return nil
	})
	return out, err
}

// resetInstance starts a new episode for one instance. An instance that was
// already internally reset and never stepped serves its cached initial
// observations rather than burning another episode, unless an explicit seed
// demands a fresh draw.
func (g *Gateway) resetInstance(ctx context.Context, in *session.Instance, seed *int64) error {
	if in.Fresh && seed == nil {
		return nil
	}
	var s int64
	if seed != nil {
		s = *seed
	}
	obs, info, err := in.Backend.Reset(ctx, s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendStep, err)
	}
	in.ApplyReset(obs, info)
	return nil
}

func buildResetOutput(s *session.Session) ResetOutput {
	shape := s.ObservationSpace.Shape
	views := make([]ResetOutput, len(s.Instances))
	for i, in := range s.Instances {
		obs := make([]any, len(in.Slots))
		for j := range in.Slots {
			obs[j] = spaces.ToNested(in.Slots[j].LastObs, shape)
		}
		views[i] = ResetOutput{Observations: obs, Info: in.Info}
	}
	if len(views) == 1 {
		return views[0]
	}
	allObs := make([]any, len(views))
	allInfo := make([]any, len(views))
	for i, v := range views {
		allObs[i] = v.Observations
		allInfo[i] = v.Info
	}
	return ResetOutput{Observations: allObs, Info: allInfo}
}

// StepOutput is the response to step. Arrays always carry one entry per
// agent slot 0..N-1; absent data is an explicit null, never omitted.
type StepOutput struct {
	Observations any `json:"observations"`
	Rewards      any `json:"rewards"`
	Terminated   any `json:"terminated"`
	Truncated    any `json:"truncated"`
	Info         any `json:"info"`
}

type instanceView struct {
	observations []any
	rewards      []any
	terminated   []any
	truncated    []any
	info         map[string]any
}

// Step advances the session one tick. Vectorized instances are stepped as a
// single batch under the session's command lock.
func (g *Gateway) Step(ctx context.Context, key string, actions any) (out StepOutput, err error) {
	start := time.Now()
	defer func() { g.observe("step", start, err) }()
	defer g.notifyPaired()

	err = g.sessions.With(key, func(s *session.Session) error {
		if s.Degraded {
			return fmt.Errorf("%w: %q", ErrSessionDegraded, key)
		}
		// Validate the whole call before touching any instance so a
		// rejected call leaves session state unchanged.
		decoded, derr := decodeActions(actions, s)
		if derr != nil {
			return derr
		}
		legacy := s.Spec.Launch.LegacyFinalObs
		views := make([]instanceView, len(s.Instances))
		for i, in := range s.Instances {
			view, serr := g.stepInstance(ctx, s, in, decoded[i], legacy)
			if serr != nil {
				s.Degraded = true
				return serr
			}
			views[i] = view
		}
		out = buildStepOutput(views)
		return nil
	})
	return out, err
}

func (g *Gateway) stepInstance(ctx context.Context, s *session.Session, in *session.Instance, actions []spaces.Tensor, legacy bool) (instanceView, error) {
	// Legacy mode defers the internal reset of an ended episode to the
	// next call; perform it now so the caller sees the fresh episode.
	if in.PendingReset {
		if err := g.resetInstance(ctx, in, nil); err != nil {
			return instanceView{}, err
		}
	}
	res, err := in.Backend.Step(ctx, actions)
	if err != nil {
		return instanceView{}, fmt.Errorf("%w: %v", ErrBackendStep, err)
	}
	if err := validateStepResult(res); err != nil {
		return instanceView{}, err
	}
	view := buildInstanceView(s, res)
	ended := in.ApplyStep(res)
	if ended {
		if legacy {
			finals := make([]any, len(res.Observations))
			for j, o := range res.Observations {
				finals[j] = spaces.ToNested(o, s.ObservationSpace.Shape)
			}
			if view.info == nil {
				view.info = map[string]any{}
			}
			view.info["final_observation"] = finals
			in.PendingReset = true
		} else {
			// Default autoreset: the ending step already carries the
			// final observations; roll the internal reset in now so the
			// next call proceeds with the fresh episode, zero gap.
			if err := g.resetInstance(ctx, in, nil); err != nil {
				return instanceView{}, err
			}
		}
	}
	return view, nil
}

// validateStepResult rejects results whose arrays disagree in length.
// Backends are not trusted on shape; external and wasm simulators can
// return anything.
func validateStepResult(res backend.StepResult) error {
	n := len(res.Observations)
	if len(res.Rewards) != n || len(res.Terminated) != n || len(res.Truncated) != n {
		return fmt.Errorf("%w: result arrays disagree (observations %d, rewards %d, terminated %d, truncated %d)",
			ErrBackendStep, n, len(res.Rewards), len(res.Terminated), len(res.Truncated))
	}
	return nil
}

func buildInstanceView(s *session.Session, res backend.StepResult) instanceView {
	shape := s.ObservationSpace.Shape
	n := len(res.Observations)
	view := instanceView{
		observations: make([]any, n),
		rewards:      make([]any, n),
		terminated:   make([]any, n),
		truncated:    make([]any, n),
		info:         res.Info,
	}
	for j := 0; j < n; j++ {
		if res.Observations[j] == nil {
			// Absent marker: the slot went inactive earlier in the
			// episode and carries no data this tick.
			view.observations[j] = nil
			view.rewards[j] = nil
		} else {
			view.observations[j] = spaces.ToNested(res.Observations[j], shape)
			view.rewards[j] = res.Rewards[j]
		}
		view.terminated[j] = res.Terminated[j]
		view.truncated[j] = res.Truncated[j]
	}
	return view
}

func buildStepOutput(views []instanceView) StepOutput {
	if len(views) == 1 {
		v := views[0]
		return StepOutput{
			Observations: v.observations,
			Rewards:      v.rewards,
			Terminated:   v.terminated,
			Truncated:    v.truncated,
			Info:         v.info,
		}
	}
	out := StepOutput{}
	obs := make([]any, len(views))
	rew := make([]any, len(views))
	term := make([]any, len(views))
	trunc := make([]any, len(views))
	info := make([]any, len(views))
	for i, v := range views {
		obs[i] = v.observations
		rew[i] = v.rewards
		term[i] = v.terminated
		trunc[i] = v.truncated
		info[i] = v.info
	}
	out.Observations, out.Rewards, out.Terminated, out.Truncated, out.Info = obs, rew, term, trunc, info
	return out
}

// ActionSpace returns the session's declared action space.
func (g *Gateway) ActionSpace(key string) (sp spaces.Space, err error) {
	start := time.Now()
	defer func() { g.observe("action_space", start, err) }()
	defer g.notifyPaired()
	err = g.sessions.With(key, func(s *session.Session) error {
		sp = s.ActionSpace
		return nil
	})
	return sp, err
}

// ObservationSpace returns the session's declared observation space.
func (g *Gateway) ObservationSpace(key string) (sp spaces.Space, err error) {
	start := time.Now()
	defer func() { g.observe("observation_space", start, err) }()
	defer g.notifyPaired()
	err = g.sessions.With(key, func(s *session.Session) error {
		sp = s.ObservationSpace
		return nil
	})
	return sp, err
}

// Close destroys the session under key. Closing an unknown or already
// closed key succeeds; an empty key closes every session the gateway owns.
func (g *Gateway) Close(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { g.observe("close", start, err) }()
	defer g.notifyPaired()

	if key == "" {
		return g.CloseAll(ctx)
	}
	cerr := g.sessions.With(key, func(s *session.Session) error {
		return s.Close()
	})
	if errors.Is(cerr, session.ErrNotFound) {
		return nil
	}
	g.sessions.Remove(key)
	if cerr != nil {
		return fmt.Errorf("closing session %q: %w", key, cerr)
	}
	g.logger.Info("session closed", "session_key", key)
	return nil
}

// CloseAll closes every live session, joining any errors.
func (g *Gateway) CloseAll(ctx context.Context) error {
	var errs []error
	for _, key := range g.sessions.Keys() {
		if err := g.Close(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
