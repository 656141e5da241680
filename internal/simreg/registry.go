// Package simreg is the process-local simulator registry. It records which
// simulators exist, where each exposure is reachable, and derives the host
// list the training job consumes. It is rebuilt from zero on each launch and
// never persisted.
package simreg

import (
	"fmt"
	"sort"
	"sync"

	"github.com/expr-lang/expr"

	"github.com/envgate/envgate/internal/backend"
	"github.com/envgate/envgate/internal/connect"
)

// SimulatorEntry is one registered simulator. Name, Spec, and AgentCapacity
// are operator-set; Descriptors are owned by the connection managers and
// updated only through Reconcile.
type SimulatorEntry struct {
	Name          string                  `json:"name"`
	Spec          backend.EnvironmentSpec `json:"spec"`
	Hosting       connect.HostingMode     `json:"hosting"`
	AgentCapacity int                     `json:"agent_capacity"`
	Descriptors   []connect.Descriptor    `json:"descriptors"`
}

// EnvHostEntry is one reachable endpoint with its agent count, consumed by
// the training job's configuration.
type EnvHostEntry struct {
	EnvEndpoint string `json:"env_endpoint"`
	NumAgents   int    `json:"num_agents"`
}

// Registry holds simulator entries. Reads return the last committed value;
// a reconcile mid-flight never exposes a half-written entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*SimulatorEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*SimulatorEntry)}
}

// Register creates or replaces the operator-set fields of a simulator entry.
// Existing descriptors survive re-registration.
func (r *Registry) Register(e SimulatorEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[e.Name]; ok {
		cur.Spec = e.Spec
		cur.Hosting = e.Hosting
		cur.AgentCapacity = e.AgentCapacity
		return
	}
	cp := e
	cp.Descriptors = append([]connect.Descriptor(nil), e.Descriptors...)
	r.entries[e.Name] = &cp
}

// Reconcile upserts one connection descriptor under its simulator, keyed by
// descriptor ID. Only the fields the connection manager is authoritative for
// change; operator-set fields are preserved. Unknown simulators get a
// minimal entry so a manager can come up before Register runs.
func (r *Registry) Reconcile(d connect.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[d.Simulator]
	if !ok {
		e = &SimulatorEntry{Name: d.Simulator, Hosting: d.Hosting}
		r.entries[d.Simulator] = e
	}
	for i := range e.Descriptors {
		if e.Descriptors[i].ID == d.ID {
			e.Descriptors[i].Port = d.Port
			e.Descriptors[i].Endpoint = d.Endpoint
			e.Descriptors[i].State = d.State
			return
		}
	}
	e.Descriptors = append(e.Descriptors, d)
}

// Get returns a deep copy of one entry.
func (r *Registry) Get(name string) (SimulatorEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return SimulatorEntry{}, false
	}
	return copyEntry(e), true
}

// List returns deep copies of all entries, sorted by name.
func (r *Registry) List() []SimulatorEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SimulatorEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remove deletes a simulator entry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// EnvHosts derives the endpoint list for the trainer: one entry per exposure
// that is currently reachable, carrying its agent count.
func (r *Registry) EnvHosts() []EnvHostEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var hosts []EnvHostEntry
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, d := range r.entries[name].Descriptors {
			if d.Endpoint == "" {
				continue
			}
			if d.State != connect.StateExposed && d.State != connect.StatePaired {
				continue
			}
			hosts = append(hosts, EnvHostEntry{EnvEndpoint: d.Endpoint, NumAgents: d.Agents})
		}
	}
	return hosts
}

// filterEnv is the expression environment one registry entry presents.
type filterEnv struct {
	Name     string `expr:"name"`
	EnvID    string `expr:"env_id"`
	Backend  string `expr:"backend"`
	Hosting  string `expr:"hosting"`
	Capacity int    `expr:"capacity"`
	Exposed  int    `expr:"exposed"`
	Degraded int    `expr:"degraded"`
}

// Filter returns entries matching a boolean expression over name, env_id,
// backend, hosting, capacity, exposed, and degraded.
func (r *Registry) Filter(expression string) ([]SimulatorEntry, error) {
	program, err := expr.Compile(expression, expr.Env(filterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compiling filter: %w", err)
	}

	var out []SimulatorEntry
	for _, e := range r.List() {
		env := filterEnv{
			Name:     e.Name,
			EnvID:    e.Spec.ID,
			Backend:  e.Spec.Backend,
			Hosting:  string(e.Hosting),
			Capacity: e.AgentCapacity,
		}
		for _, d := range e.Descriptors {
			switch d.State {
			case connect.StateExposed, connect.StatePaired:
				env.Exposed++
			case connect.StateDegraded:
				env.Degraded++
			}
		}
		match, err := expr.Run(program, env)
		if err != nil {
			return nil, fmt.Errorf("evaluating filter: %w", err)
		}
		if match.(bool) {
			out = append(out, e)
		}
	}
	return out, nil
}

func copyEntry(e *SimulatorEntry) SimulatorEntry {
	cp := *e
	cp.Descriptors = append([]connect.Descriptor(nil), e.Descriptors...)
	return cp
}
