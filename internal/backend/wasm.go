package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/envgate/envgate/internal/spaces"
)

func init() {
	Register("wasm", func() Backend { return &WASM{} })
}

// WASM drives simulator modules compiled to WebAssembly. The spec's
// entry point is the .wasm path; each instance gets its own module
// instantiation. Modules export:
//
//	envAlloc(size) -> ptr
//	envDescribe()  -> (ptr, len)   JSON {action_space, observation_space, num_agents}
//	envReset(seed) -> (ptr, len)   JSON {observations, info}
//	envStep(ptr, len) -> (ptr, len) JSON {observations, rewards, terminated, truncated, info}
type WASM struct {
	mu      sync.Mutex
	runtime wazero.Runtime
	modules map[string]wazero.CompiledModule
}

// Name returns the backend kind tag.
func (w *WASM) Name() string { return "wasm" }

func (w *WASM) compiled(ctx context.Context, path string) (wazero.CompiledModule, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.runtime == nil {
		w.runtime = wazero.NewRuntime(ctx)
		wasi_snapshot_preview1.MustInstantiate(ctx, w.runtime)
		w.modules = make(map[string]wazero.CompiledModule)
	}
	if mod, ok := w.modules[path]; ok {
		return mod, nil
	}
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading module %s: %v", ErrUnavailable, path, err)
	}
	mod, err := w.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: compiling module %s: %v", ErrUnavailable, path, err)
	}
	w.modules[path] = mod
	return mod, nil
}

// Create instantiates the module named by the spec's entry point.
func (w *WASM) Create(ctx context.Context, spec EnvironmentSpec) (Instance, error) {
	if spec.EntryPoint == "" {
		return nil, fmt.Errorf("%w: wasm backend requires entry_point", ErrUnavailable)
	}
	compiled, err := w.compiled(ctx, spec.EntryPoint)
	if err != nil {
		return nil, err
	}
	config := wazero.NewModuleConfig().
		WithName("").
		WithStdout(os.Stdout).
		WithStderr(os.Stderr)
	mod, err := w.runtime.InstantiateModule(ctx, compiled, config)
	if err != nil {
		return nil, fmt.Errorf("%w: instantiating %s: %v", ErrUnavailable, spec.EntryPoint, err)
	}

	inst := &wasmInstance{mod: mod}
	for _, export := range []string{"envAlloc", "envDescribe", "envReset", "envStep"} {
		if mod.ExportedFunction(export) == nil {
			_ = mod.Close(ctx)
			return nil, fmt.Errorf("%w: module %s does not export %q", ErrIncompatible, spec.EntryPoint, export)
		}
	}
	if err := inst.describe(ctx); err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}
	declared := spec.NumAgents
	if declared != 0 && declared != inst.numAgents {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("%w: module declares %d agents, spec wants %d", ErrIncompatible, inst.numAgents, declared)
	}
	return inst, nil
}

type wasmInstance struct {
	mu        sync.Mutex
	mod       api.Module
	closed    bool
	numAgents int
	actSpace  spaces.Space
	obsSpace  spaces.Space
}

func (i *wasmInstance) describe(ctx context.Context) error {
	data, err := i.callPacked(ctx, "envDescribe")
	if err != nil {
		return fmt.Errorf("%w: envDescribe: %v", ErrIncompatible, err)
	}
	var desc struct {
		ActionSpace      spaces.Space `json:"action_space"`
		ObservationSpace spaces.Space `json:"observation_space"`
		NumAgents        int          `json:"num_agents"`
	}
	if err := json.Unmarshal(data, &desc); err != nil {
		return fmt.Errorf("%w: parsing envDescribe payload: %v", ErrIncompatible, err)
	}
	if desc.NumAgents < 1 {
		desc.NumAgents = 1
	}
	i.numAgents = desc.NumAgents
	i.actSpace = desc.ActionSpace
	i.obsSpace = desc.ObservationSpace
	return nil
}

// callPacked invokes an export returning (ptr, len) and reads the payload
// out of module memory.
func (i *wasmInstance) callPacked(ctx context.Context, name string, params ...uint64) ([]byte, error) {
	results, err := i.mod.ExportedFunction(name).Call(ctx, params...)
	if err != nil {
		return nil, err
	}
	if len(results) < 2 {
		return nil, fmt.Errorf("%s returned %d results, want (ptr, len)", name, len(results))
	}
	ptr, size := uint32(results[0]), uint32(results[1])
	data, ok := i.mod.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("reading %s payload at %d+%d failed", name, ptr, size)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// write copies payload into module memory via envAlloc.
func (i *wasmInstance) write(ctx context.Context, payload []byte) (uint32, error) {
	results, err := i.mod.ExportedFunction("envAlloc").Call(ctx, uint64(len(payload)))
	if err != nil {
		return 0, err
	}
	ptr := uint32(results[0])
	if !i.mod.Memory().Write(ptr, payload) {
		return 0, fmt.Errorf("writing %d bytes at %d failed", len(payload), ptr)
	}
	return ptr, nil
}

func (i *wasmInstance) Reset(ctx context.Context, seed int64) ([]spaces.Tensor, map[string]any, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, nil, fmt.Errorf("reset on closed instance")
	}
	data, err := i.callPacked(ctx, "envReset", uint64(seed))
	if err != nil {
		return nil, nil, fmt.Errorf("wasm reset: %w", err)
	}
	var payload struct {
		Observations any            `json:"observations"`
		Info         map[string]any `json:"info"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, nil, fmt.Errorf("wasm reset payload: %w", err)
	}
	obs, err := spaces.SlotTensors(payload.Observations)
	if err != nil {
		return nil, nil, fmt.Errorf("wasm reset observations: %w", err)
	}
	return obs, payload.Info, nil
}

func (i *wasmInstance) Step(ctx context.Context, actions []spaces.Tensor) (StepResult, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return StepResult{}, fmt.Errorf("step on closed instance")
	}
	req, err := json.Marshal(map[string]any{"actions": actions})
	if err != nil {
		return StepResult{}, err
	}
	ptr, err := i.write(ctx, req)
	if err != nil {
		return StepResult{}, fmt.Errorf("wasm step: %w", err)
	}
	data, err := i.callPacked(ctx, "envStep", uint64(ptr), uint64(len(req)))
	if err != nil {
		return StepResult{}, fmt.Errorf("wasm step: %w", err)
	}
	var payload struct {
		Observations any            `json:"observations"`
		Rewards      []float64      `json:"rewards"`
		Terminated   []bool         `json:"terminated"`
		Truncated    []bool         `json:"truncated"`
		Info         map[string]any `json:"info"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return StepResult{}, fmt.Errorf("wasm step payload: %w", err)
	}
	obs, err := spaces.SlotTensors(payload.Observations)
	if err != nil {
		return StepResult{}, fmt.Errorf("wasm step observations: %w", err)
	}
	return StepResult{
		Observations: obs,
		Rewards:      payload.Rewards,
		Terminated:   payload.Terminated,
		Truncated:    payload.Truncated,
		Info:         payload.Info,
	}, nil
}

func (i *wasmInstance) NumAgents() int { return i.numAgents }

func (i *wasmInstance) ActionSpace() spaces.Space { return i.actSpace }

func (i *wasmInstance) ObservationSpace() spaces.Space { return i.obsSpace }

// Close is idempotent.
func (i *wasmInstance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	return i.mod.Close(context.Background())
}
