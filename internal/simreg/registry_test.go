package simreg

import (
	"testing"

	"github.com/google/uuid"

	"github.com/envgate/envgate/internal/backend"
	"github.com/envgate/envgate/internal/connect"
)

func entry(name string, capacity int) SimulatorEntry {
	return SimulatorEntry{
		Name:          name,
		Spec:          backend.EnvironmentSpec{ID: name + "-v0", Backend: "builtin"},
		Hosting:       connect.HostingLocal,
		AgentCapacity: capacity,
	}
}

func descriptor(sim string, state connect.State, endpoint string, agents int) connect.Descriptor {
	return connect.Descriptor{
		ID:        uuid.New(),
		Simulator: sim,
		Hosting:   connect.HostingLocal,
		Mode:      connect.ModeDirect,
		Port:      8000,
		Endpoint:  endpoint,
		State:     state,
		Agents:    agents,
	}
}

func TestRegisterAndList(t *testing.T) {
	r := NewRegistry()
	r.Register(entry("beta", 4))
	r.Register(entry("alpha", 8))

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(list))
	}
	if list[0].Name != "alpha" || list[1].Name != "beta" {
		t.Errorf("List() order = [%s %s], want sorted by name", list[0].Name, list[1].Name)
	}

	got, ok := r.Get("alpha")
	if !ok {
		t.Fatal("Get(alpha) not found")
	}
	if got.AgentCapacity != 8 {
		t.Errorf("AgentCapacity = %d, want 8", got.AgentCapacity)
	}
	if _, ok := r.Get("gamma"); ok {
		t.Error("Get(gamma) found a nonexistent entry")
	}
}

func TestReconcilePreservesOperatorFields(t *testing.T) {
	r := NewRegistry()
	r.Register(entry("cart", 16))

	d := descriptor("cart", connect.StateExposed, "http://10.0.0.1:8000", 16)
	r.Reconcile(d)

	got, _ := r.Get("cart")
	if got.AgentCapacity != 16 {
		t.Errorf("AgentCapacity = %d after reconcile, want 16 (operator field preserved)", got.AgentCapacity)
	}
	if got.Spec.Backend != "builtin" {
		t.Errorf("Spec.Backend = %q after reconcile, want builtin", got.Spec.Backend)
	}
	if len(got.Descriptors) != 1 {
		t.Fatalf("descriptor count = %d, want 1", len(got.Descriptors))
	}
	if got.Descriptors[0].Endpoint != "http://10.0.0.1:8000" {
		t.Errorf("endpoint = %q, want the reconciled one", got.Descriptors[0].Endpoint)
	}

	// A later write for the same descriptor ID updates in place.
	d.Endpoint = "http://10.0.0.2:8000"
	d.State = connect.StatePaired
	r.Reconcile(d)
	got, _ = r.Get("cart")
	if len(got.Descriptors) != 1 {
		t.Fatalf("descriptor count after update = %d, want 1", len(got.Descriptors))
	}
	if got.Descriptors[0].Endpoint != "http://10.0.0.2:8000" {
		t.Errorf("endpoint = %q, want the updated one", got.Descriptors[0].Endpoint)
	}
	if got.Descriptors[0].State != connect.StatePaired {
		t.Errorf("state = %s, want PAIRED", got.Descriptors[0].State)
	}
}

func TestReconcileBeforeRegister(t *testing.T) {
	r := NewRegistry()
	r.Reconcile(descriptor("early", connect.StateExposed, "http://h:1", 2))

	got, ok := r.Get("early")
	if !ok {
		t.Fatal("reconcile did not create a minimal entry")
	}
	if len(got.Descriptors) != 1 {
		t.Errorf("descriptor count = %d, want 1", len(got.Descriptors))
	}

	// Register afterwards fills operator fields without losing descriptors.
	r.Register(entry("early", 2))
	got, _ = r.Get("early")
	if got.AgentCapacity != 2 {
		t.Errorf("AgentCapacity = %d, want 2", got.AgentCapacity)
	}
	if len(got.Descriptors) != 1 {
		t.Errorf("descriptors lost on re-register: %d, want 1", len(got.Descriptors))
	}
}

func TestSnapshotsAreDeepCopies(t *testing.T) {
	r := NewRegistry()
	r.Register(entry("cart", 4))
	r.Reconcile(descriptor("cart", connect.StateExposed, "http://a:1", 4))

	got, _ := r.Get("cart")
	got.Descriptors[0].Endpoint = "http://mutated:9"
	got.AgentCapacity = 999

	again, _ := r.Get("cart")
	if again.Descriptors[0].Endpoint != "http://a:1" {
		t.Error("mutating a Get() result leaked into the registry")
	}
	if again.AgentCapacity != 4 {
		t.Error("mutating a Get() result changed stored capacity")
	}
}

func TestEnvHostsReflectsReachableExposures(t *testing.T) {
	r := NewRegistry()
	r.Register(entry("a", 4))
	r.Register(entry("b", 2))

	r.Reconcile(descriptor("a", connect.StateExposed, "http://a:1", 3))
	r.Reconcile(descriptor("a", connect.StatePaired, "http://a:2", 1))
	// Unreachable states do not produce hosts.
	r.Reconcile(descriptor("b", connect.StateDegraded, "http://b:1", 2))
	r.Reconcile(descriptor("b", connect.StateClosed, "", 2))

	hosts := r.EnvHosts()
	if len(hosts) != 2 {
		t.Fatalf("EnvHosts() returned %d entries, want 2: %v", len(hosts), hosts)
	}
	total := 0
	for _, h := range hosts {
		if h.EnvEndpoint == "" {
			t.Error("host entry has empty endpoint")
		}
		total += h.NumAgents
	}
	if total != 4 {
		t.Errorf("total agents = %d, want 4", total)
	}
}

func TestFilterExpressions(t *testing.T) {
	r := NewRegistry()
	r.Register(entry("cart", 16))
	r.Register(entry("grid", 4))
	r.Reconcile(descriptor("cart", connect.StateExposed, "http://c:1", 16))
	r.Reconcile(descriptor("grid", connect.StateDegraded, "http://g:1", 4))

	cases := []struct {
		expr string
		want []string
	}{
		{`capacity > 8`, []string{"cart"}},
		{`backend == "builtin"`, []string{"cart", "grid"}},
		{`degraded > 0`, []string{"grid"}},
		{`exposed > 0 && name startsWith "c"`, []string{"cart"}},
		{`hosting == "local" && capacity < 8`, []string{"grid"}},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := r.Filter(tc.expr)
			if err != nil {
				t.Fatalf("Filter returned unexpected error: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("Filter matched %d entries, want %d", len(got), len(tc.want))
			}
			for i, e := range got {
				if e.Name != tc.want[i] {
					t.Errorf("match %d = %q, want %q", i, e.Name, tc.want[i])
				}
			}
		})
	}

	if _, err := r.Filter(`capacity +`); err == nil {
		t.Error("Filter accepted a malformed expression")
	}
	if _, err := r.Filter(`name`); err == nil {
		t.Error("Filter accepted a non-boolean expression")
	}
}

func TestRemove(t *testing.T) {
	r := NewRegistry()
	r.Register(entry("gone", 1))
	r.Remove("gone")
	if _, ok := r.Get("gone"); ok {
		t.Error("entry survived Remove")
	}
	r.Remove("never-there")
}
