package integration_tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/envgate/envgate/internal/config"
	"github.com/envgate/envgate/internal/connect"
	"github.com/envgate/envgate/internal/gateway"
	"github.com/envgate/envgate/internal/simreg"
	"github.com/envgate/envgate/internal/trainer"
)

const flowConfig = `
log_level: error
simulators:
  - name: cart
    env_id: CartPole-v1
    backend: builtin
    hosting: local
    mode: direct
    ports: [0]
    total_agents: 2
    public_host: 127.0.0.1
trainer:
  service_url: PLACEHOLDER
`

func post(t *testing.T, url string, body any) map[string]any {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST %s status = %d, want 200", url, resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

// TestConfigToTrainingSubmission walks the whole operator path: load a
// config file, expose a simulator, drive episodes over HTTP, derive the
// host list from the registry, and submit a training job against it.
func TestConfigToTrainingSubmission(t *testing.T) {
	var jobPayload map[string]any
	jobs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]string{"job_id": "job-1", "status": "queued"})
		var in map[string]any
		json.NewDecoder(r.Body).Decode(&in)
		jobPayload = in
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	}))
	defer jobs.Close()

	path := filepath.Join(t.TempDir(), "envgate.yaml")
	raw := []byte(flowConfig)
	raw = bytes.Replace(raw, []byte("PLACEHOLDER"), []byte(jobs.URL), 1)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned unexpected error: %v", err)
	}
	sc := cfg.Simulators[0]

	registry := simreg.NewRegistry()
	registry.Register(simreg.SimulatorEntry{
		Name:          sc.Name,
		Hosting:       connect.HostingMode(sc.Hosting),
		AgentCapacity: sc.TotalAgents,
	})

	gw := gateway.New()
	srv := gateway.NewServer(gw)
	mgr := connect.NewManager(
		connect.Descriptor{
			Simulator: sc.Name,
			Hosting:   connect.HostingMode(sc.Hosting),
			Mode:      connect.Mode(sc.Mode),
			Agents:    sc.TotalAgents,
		},
		gw, srv,
		connect.WithReconcile(registry.Reconcile),
		connect.WithPublicHost(sc.PublicHost),
	)
	defer mgr.Close(context.Background())

	if err := mgr.Bind(sc.Ports[0]); err != nil {
		t.Fatalf("Bind returned unexpected error: %v", err)
	}
	if err := mgr.Expose(context.Background()); err != nil {
		t.Fatalf("Expose returned unexpected error: %v", err)
	}
	endpoint := mgr.Descriptor().Endpoint

	// Drive a full episode through the exposed endpoint.
	made := post(t, endpoint+"/v1/make", map[string]any{
		"env_spec": map[string]any{
			"id": sc.EnvID, "backend": sc.Backend, "num_agents": sc.TotalAgents,
		},
	})
	key := made["session_key"].(string)

	reset := post(t, endpoint+"/v1/reset", map[string]any{"session_key": key, "seed": 1})
	if obs := reset["observations"].([]any); len(obs) != sc.TotalAgents {
		t.Fatalf("reset observations = %d slots, want %d", len(obs), sc.TotalAgents)
	}
	stepped := post(t, endpoint+"/v1/step", map[string]any{
		"session_key": key,
		"actions":     []any{[]any{1.0}, []any{0.0}},
	})
	if rewards := stepped["rewards"].([]any); len(rewards) != sc.TotalAgents {
		t.Fatalf("step rewards = %d slots, want %d", len(rewards), sc.TotalAgents)
	}

	// The registry now carries the reachable endpoint for the trainer.
	hosts := registry.EnvHosts()
	if len(hosts) != 1 || hosts[0].EnvEndpoint != endpoint {
		t.Fatalf("EnvHosts() = %v, want the exposed endpoint", hosts)
	}
	if hosts[0].NumAgents != sc.TotalAgents {
		t.Errorf("host agents = %d, want %d", hosts[0].NumAgents, sc.TotalAgents)
	}

	h := trainer.DefaultHyperparams().WithHosts(hosts)
	h.EnvID = sc.EnvID
	handle, err := trainer.NewClient(cfg.Trainer.ServiceURL).Submit(context.Background(), h)
	if err != nil {
		t.Fatalf("Submit returned unexpected error: %v", err)
	}
	if handle.JobID != "job-1" {
		t.Errorf("JobID = %q, want job-1", handle.JobID)
	}
	sent, ok := jobPayload["hyperparams"].(map[string]any)
	if !ok {
		t.Fatalf("job payload = %v, want inline hyperparams", jobPayload)
	}
	sentHosts := sent["env_hosts"].(map[string]any)
	if h0 := sentHosts["host0"].(map[string]any); h0["env_endpoint"] != endpoint {
		t.Errorf("submitted host0 = %v, want %q", h0, endpoint)
	}

	post(t, endpoint+"/v1/close", map[string]any{"session_key": key})
	if gw.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d after close, want 0", gw.SessionCount())
	}
}
