package sim

import (
	"fmt"
	"math/rand"

	"github.com/envgate/envgate/internal/spaces"
)

func init() {
	Register("GridWorld-v0", NewGridWorld)
}

const (
	gwSize         = 8
	gwEpisodeSteps = 200
	gwStepPenalty  = -0.01
	gwGoalReward   = 1.0
)

type gridAgent struct {
	x, y int
	done bool
}

// GridWorld is a cooperative multi-agent navigation task on an 8x8 grid.
// Each agent walks toward a shared goal; a slot terminates individually when
// its agent arrives, which makes this the reference environment for
// per-slot inactivity.
type GridWorld struct {
	agents []gridAgent
	goalX  int
	goalY  int
	rng    *rand.Rand
	steps  int
	closed bool
}

// NewGridWorld builds a grid world with cfg.NumAgents agents.
func NewGridWorld(cfg Config) (Env, error) {
	return &GridWorld{
		agents: make([]gridAgent, cfg.NumAgents),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

func (g *GridWorld) NumAgents() int { return len(g.agents) }

// Actions: 0=stay 1=up 2=down 3=left 4=right.
func (g *GridWorld) ActionSpace() spaces.Space { return spaces.Discrete(5) }

func (g *GridWorld) ObservationSpace() spaces.Space {
	max := float64(gwSize - 1)
	return spaces.Box(
		[]float64{0, 0, 0, 0},
		[]float64{max, max, max, max},
	)
}

func (g *GridWorld) Reset(seed int64) ([]spaces.Tensor, map[string]any) {
	if seed != 0 {
		g.rng = rand.New(rand.NewSource(seed))
	}
	g.steps = 0
	g.goalX = g.rng.Intn(gwSize)
	g.goalY = g.rng.Intn(gwSize)
	obs := make([]spaces.Tensor, len(g.agents))
	for i := range g.agents {
		g.agents[i] = gridAgent{x: g.rng.Intn(gwSize), y: g.rng.Intn(gwSize)}
		obs[i] = g.observe(i)
	}
	return obs, map[string]any{"goal": []any{float64(g.goalX), float64(g.goalY)}}
}

func (g *GridWorld) Step(actions []spaces.Tensor) (StepResult, error) {
	if g.closed {
		return StepResult{}, fmt.Errorf("gridworld: step on closed instance")
	}
	if len(actions) != len(g.agents) {
		return StepResult{}, fmt.Errorf("gridworld: got %d actions for %d agents", len(actions), len(g.agents))
	}
	g.steps++
	truncate := g.steps >= gwEpisodeSteps

	res := StepResult{
		Observations: make([]spaces.Tensor, len(g.agents)),
		Rewards:      make([]float64, len(g.agents)),
		Terminated:   make([]bool, len(g.agents)),
		Truncated:    make([]bool, len(g.agents)),
		Info:         map[string]any{"steps": g.steps},
	}
	for i := range g.agents {
		a := &g.agents[i]
		if a.done {
			res.Observations[i] = nil
			res.Terminated[i] = true
			continue
		}
		move := 0
		if len(actions[i]) > 0 {
			move = int(actions[i][0])
		}
		switch move {
		case 1:
			a.y = clampGrid(a.y - 1)
		case 2:
			a.y = clampGrid(a.y + 1)
		case 3:
			a.x = clampGrid(a.x - 1)
		case 4:
			a.x = clampGrid(a.x + 1)
		}
		atGoal := a.x == g.goalX && a.y == g.goalY
		res.Observations[i] = g.observe(i)
		if atGoal {
			res.Rewards[i] = gwGoalReward
			res.Terminated[i] = true
			a.done = true
		} else {
			res.Rewards[i] = gwStepPenalty
			res.Truncated[i] = truncate
		}
	}
	return res, nil
}

func clampGrid(v int) int {
	if v < 0 {
		return 0
	}
	if v >= gwSize {
		return gwSize - 1
	}
	return v
}

func (g *GridWorld) observe(i int) spaces.Tensor {
	a := g.agents[i]
	return spaces.Tensor{float64(a.x), float64(a.y), float64(g.goalX), float64(g.goalY)}
}

func (g *GridWorld) Close() { g.closed = true }
