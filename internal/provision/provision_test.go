package provision

import (
	"context"
	"encoding/json"
	"testing"
)

func TestDeploymentManifest(t *testing.T) {
	req := Request{Name: "cart-sim", Image: "registry.example/cart:1", Port: 8100, NumAgents: 8, EnvID: "CartPole-v1"}
	m := deploymentManifest(req, "sims", 8100)

	// Manifests go to kubectl as JSON; they must encode cleanly.
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("manifest does not encode: %v", err)
	}
	var back map[string]any
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("manifest round trip: %v", err)
	}

	if m["kind"] != "Deployment" {
		t.Errorf("kind = %v, want Deployment", m["kind"])
	}
	meta := m["metadata"].(map[string]any)
	if meta["name"] != "cart-sim" || meta["namespace"] != "sims" {
		t.Errorf("metadata = %v, want name and namespace set", meta)
	}
	lbl := meta["labels"].(map[string]any)
	if lbl["app.kubernetes.io/managed-by"] != "envgate" {
		t.Errorf("managed-by label = %v, want envgate", lbl)
	}

	tmpl := m["spec"].(map[string]any)["template"].(map[string]any)
	container := tmpl["spec"].(map[string]any)["containers"].([]map[string]any)[0]
	if container["image"] != req.Image {
		t.Errorf("image = %v, want %q", container["image"], req.Image)
	}
	env := container["env"].([]map[string]any)
	got := map[string]string{}
	for _, e := range env {
		got[e["name"].(string)] = e["value"].(string)
	}
	if got["ENV_ID"] != "CartPole-v1" || got["NUM_AGENTS"] != "8" {
		t.Errorf("container env = %v, want ENV_ID and NUM_AGENTS", got)
	}
}

func TestServiceManifest(t *testing.T) {
	req := Request{Name: "cart-sim", Image: "img", Port: 8100}
	m := serviceManifest(req, "sims", 8100)
	spec := m["spec"].(map[string]any)
	if spec["type"] != "LoadBalancer" {
		t.Errorf("service type = %v, want LoadBalancer", spec["type"])
	}
	ports := spec["ports"].([]map[string]any)
	if len(ports) != 1 || ports[0]["port"] != 8100 {
		t.Errorf("ports = %v, want a single 8100 mapping", ports)
	}
	if spec["selector"].(map[string]any)["app.kubernetes.io/name"] != "cart-sim" {
		t.Errorf("selector = %v, want the name label", spec["selector"])
	}
}

func TestProvisionRequiresImage(t *testing.T) {
	p := NewKubectlProvisioner("")
	if p.Namespace != "default" {
		t.Errorf("Namespace = %q, want default", p.Namespace)
	}
	_, err := p.Provision(context.Background(), Request{Name: "x"})
	if err == nil {
		t.Fatal("Provision without an image returned nil error")
	}
}
