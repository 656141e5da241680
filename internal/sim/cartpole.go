package sim

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/envgate/envgate/internal/spaces"
)

func init() {
	Register("CartPole-v1", NewCartPole)
}

// Classic cart-pole constants.
const (
	cpGravity      = 9.8
	cpCartMass     = 1.0
	cpPoleMass     = 0.1
	cpPoleHalfLen  = 0.5
	cpForceMag     = 10.0
	cpTau          = 0.02
	cpThetaLimit   = 12 * 2 * math.Pi / 360
	cpXLimit       = 2.4
	cpEpisodeSteps = 500
)

type poleState struct {
	x, xDot, theta, thetaDot float64
	done                     bool
}

// CartPole is the classic balancing task, batched so one instance can carry
// several independent poles, one per agent slot.
type CartPole struct {
	poles  []poleState
	rng    *rand.Rand
	steps  int
	closed bool
	speed  float64
}

// NewCartPole builds a cart-pole instance with cfg.NumAgents poles.
func NewCartPole(cfg Config) (Env, error) {
	return &CartPole{
		poles: make([]poleState, cfg.NumAgents),
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		speed: cfg.Speed,
	}, nil
}

func (c *CartPole) NumAgents() int { return len(c.poles) }

func (c *CartPole) ActionSpace() spaces.Space { return spaces.Discrete(2) }

func (c *CartPole) ObservationSpace() spaces.Space {
	inf := math.Inf(1)
	return spaces.Box(
		[]float64{-cpXLimit * 2, -inf, -cpThetaLimit * 2, -inf},
		[]float64{cpXLimit * 2, inf, cpThetaLimit * 2, inf},
	)
}

// Reset re-draws every pole near upright. A non-zero seed reseeds the
// generator so episodes are reproducible.
func (c *CartPole) Reset(seed int64) ([]spaces.Tensor, map[string]any) {
	if seed != 0 {
		c.rng = rand.New(rand.NewSource(seed))
	}
	c.steps = 0
	obs := make([]spaces.Tensor, len(c.poles))
	for i := range c.poles {
		c.poles[i] = poleState{
			x:        c.uniform(),
			xDot:     c.uniform(),
			theta:    c.uniform(),
			thetaDot: c.uniform(),
		}
		obs[i] = c.observe(i)
	}
	return obs, map[string]any{"steps": 0}
}

func (c *CartPole) uniform() float64 {
	return c.rng.Float64()*0.1 - 0.05
}

// Step advances every pole that is still running. Slots whose pole already
// fell receive the nil absent marker until the instance resets.
func (c *CartPole) Step(actions []spaces.Tensor) (StepResult, error) {
	if c.closed {
		return StepResult{}, fmt.Errorf("cartpole: step on closed instance")
	}
	if len(actions) != len(c.poles) {
		return StepResult{}, fmt.Errorf("cartpole: got %d actions for %d agents", len(actions), len(c.poles))
	}
	c.steps++
	truncate := c.steps >= cpEpisodeSteps

	res := StepResult{
		Observations: make([]spaces.Tensor, len(c.poles)),
		Rewards:      make([]float64, len(c.poles)),
		Terminated:   make([]bool, len(c.poles)),
		Truncated:    make([]bool, len(c.poles)),
		Info:         map[string]any{"steps": c.steps},
	}
	for i := range c.poles {
		p := &c.poles[i]
		if p.done {
			res.Observations[i] = nil
			res.Terminated[i] = true
			continue
		}
		force := -cpForceMag
		if len(actions[i]) > 0 && actions[i][0] >= 0.5 {
			force = cpForceMag
		}
		c.integrate(p, force)

		fallen := p.x < -cpXLimit || p.x > cpXLimit ||
			p.theta < -cpThetaLimit || p.theta > cpThetaLimit
		res.Observations[i] = c.observe(i)
		res.Rewards[i] = 1
		res.Terminated[i] = fallen
		res.Truncated[i] = truncate && !fallen
		if fallen {
			p.done = true
		}
	}
	return res, nil
}

func (c *CartPole) integrate(p *poleState, force float64) {
	totalMass := cpCartMass + cpPoleMass
	poleMassLen := cpPoleMass * cpPoleHalfLen
	cosT := math.Cos(p.theta)
	sinT := math.Sin(p.theta)

	temp := (force + poleMassLen*p.thetaDot*p.thetaDot*sinT) / totalMass
	thetaAcc := (cpGravity*sinT - cosT*temp) /
		(cpPoleHalfLen * (4.0/3.0 - cpPoleMass*cosT*cosT/totalMass))
	xAcc := temp - poleMassLen*thetaAcc*cosT/totalMass

	dt := cpTau * c.speed
	p.x += dt * p.xDot
	p.xDot += dt * xAcc
	p.theta += dt * p.thetaDot
	p.thetaDot += dt * thetaAcc
}

func (c *CartPole) observe(i int) spaces.Tensor {
	p := c.poles[i]
	return spaces.Tensor{p.x, p.xDot, p.theta, p.thetaDot}
}

func (c *CartPole) Close() { c.closed = true }
