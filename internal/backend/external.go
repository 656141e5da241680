package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/envgate/envgate/internal/spaces"
)

func init() {
	Register("external", func() Backend { return &External{DialTimeout: 5 * time.Second} })
}

// External drives a simulator process listening on a TCP socket. The spec's
// entry point is the host:port address. Each instance holds one connection
// carrying newline-delimited JSON requests and responses:
//
//	-> {"op":"create","env_id":...,"num_agents":N,"options":{...}}
//	<- {"ok":true,"action_space":{...},"observation_space":{...},"num_agents":N}
//	-> {"op":"reset","seed":S} / {"op":"step","actions":[...]} / {"op":"close"}
type External struct {
	DialTimeout time.Duration
}

// Name returns the backend kind tag.
func (e *External) Name() string { return "external" }

// Create dials the simulator and performs the create handshake.
func (e *External) Create(ctx context.Context, spec EnvironmentSpec) (Instance, error) {
	if spec.EntryPoint == "" {
		return nil, fmt.Errorf("%w: external backend requires entry_point host:port", ErrUnavailable)
	}
	d := net.Dialer{Timeout: e.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", spec.EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrUnavailable, spec.EntryPoint, err)
	}
	inst := &externalInstance{
		conn: conn,
		r:    bufio.NewReader(conn),
	}
	var created struct {
		OK               bool         `json:"ok"`
		Error            string       `json:"error,omitempty"`
		ActionSpace      spaces.Space `json:"action_space"`
		ObservationSpace spaces.Space `json:"observation_space"`
		NumAgents        int          `json:"num_agents"`
	}
	err = inst.roundTrip(map[string]any{
		"op":         "create",
		"env_id":     spec.ID,
		"num_agents": spec.NumAgents,
		"options": map[string]any{
			"graphics": spec.Launch.Graphics,
			"speed":    spec.Launch.Speed,
			"seed":     spec.Launch.Seed,
		},
	}, &created)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: create handshake: %v", ErrUnavailable, err)
	}
	if !created.OK {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrIncompatible, created.Error)
	}
	if created.NumAgents < 1 {
		created.NumAgents = 1
	}
	inst.numAgents = created.NumAgents
	inst.actSpace = created.ActionSpace
	inst.obsSpace = created.ObservationSpace
	return inst, nil
}

type externalInstance struct {
	mu        sync.Mutex
	conn      net.Conn
	r         *bufio.Reader
	closed    bool
	numAgents int
	actSpace  spaces.Space
	obsSpace  spaces.Space
}

func (i *externalInstance) roundTrip(req any, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := i.conn.Write(append(data, '\n')); err != nil {
		return err
	}
	line, err := i.r.ReadBytes('\n')
	if err != nil {
		return err
	}
	return json.Unmarshal(line, resp)
}

func (i *externalInstance) Reset(_ context.Context, seed int64) ([]spaces.Tensor, map[string]any, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, nil, fmt.Errorf("reset on closed instance")
	}
	var payload struct {
		OK           bool           `json:"ok"`
		Error        string         `json:"error,omitempty"`
		Observations any            `json:"observations"`
		Info         map[string]any `json:"info"`
	}
	if err := i.roundTrip(map[string]any{"op": "reset", "seed": seed}, &payload); err != nil {
		return nil, nil, fmt.Errorf("external reset: %w", err)
	}
	if !payload.OK {
		return nil, nil, fmt.Errorf("external reset: %s", payload.Error)
	}
	obs, err := spaces.SlotTensors(payload.Observations)
	if err != nil {
		return nil, nil, fmt.Errorf("external reset observations: %w", err)
	}
	return obs, payload.Info, nil
}

func (i *externalInstance) Step(_ context.Context, actions []spaces.Tensor) (StepResult, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return StepResult{}, fmt.Errorf("step on closed instance")
	}
	var payload struct {
		OK           bool           `json:"ok"`
		Error        string         `json:"error,omitempty"`
		Observations any            `json:"observations"`
		Rewards      []float64      `json:"rewards"`
		Terminated   []bool         `json:"terminated"`
		Truncated    []bool         `json:"truncated"`
		Info         map[string]any `json:"info"`
	}
	if err := i.roundTrip(map[string]any{"op": "step", "actions": actions}, &payload); err != nil {
		return StepResult{}, fmt.Errorf("external step: %w", err)
	}
	if !payload.OK {
		return StepResult{}, fmt.Errorf("external step: %s", payload.Error)
	}
	obs, err := spaces.SlotTensors(payload.Observations)
	if err != nil {
		return StepResult{}, fmt.Errorf("external step observations: %w", err)
	}
	return StepResult{
		Observations: obs,
		Rewards:      payload.Rewards,
		Terminated:   payload.Terminated,
		Truncated:    payload.Truncated,
		Info:         payload.Info,
	}, nil
}

func (i *externalInstance) NumAgents() int { return i.numAgents }

func (i *externalInstance) ActionSpace() spaces.Space { return i.actSpace }

func (i *externalInstance) ObservationSpace() spaces.Space { return i.obsSpace }

// Close is idempotent; the remote side treats a dropped connection as close.
func (i *externalInstance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	var ack struct {
		OK bool `json:"ok"`
	}
	_ = i.roundTrip(map[string]any{"op": "close"}, &ack)
	return i.conn.Close()
}
