// Package provision launches cloud-managed simulator hosts. The cloud
// hosting variant of the connection manager calls it to obtain a reachable
// address for a containerized simulator; everything past "returns an address
// or fails" is the cluster's problem.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Request describes one simulator host to launch.
type Request struct {
	Name      string
	Image     string
	Port      int
	NumAgents int
	EnvID     string
}

// Placement is the result of a successful provision.
type Placement struct {
	Name     string
	Endpoint string
}

// Provisioner launches and tears down simulator hosts.
type Provisioner interface {
	Provision(ctx context.Context, req Request) (Placement, error)
	Teardown(ctx context.Context, name string) error
}

// KubectlProvisioner shells out to kubectl. No cluster client dependency;
// the operator's kubeconfig decides the target cluster.
type KubectlProvisioner struct {
	Namespace string
	// WaitTimeout bounds the wait for an external address.
	WaitTimeout time.Duration
}

func NewKubectlProvisioner(namespace string) *KubectlProvisioner {
	if namespace == "" {
		namespace = "default"
	}
	return &KubectlProvisioner{Namespace: namespace, WaitTimeout: 2 * time.Minute}
}

func (p *KubectlProvisioner) Provision(ctx context.Context, req Request) (Placement, error) {
	if req.Image == "" {
		return Placement{}, fmt.Errorf("provision %s: image is required", req.Name)
	}
	port := req.Port
	if port == 0 {
		port = 8000
	}

	for _, manifest := range []map[string]any{
		deploymentManifest(req, p.Namespace, port),
		serviceManifest(req, p.Namespace, port),
	} {
		if err := p.apply(ctx, manifest); err != nil {
			return Placement{}, err
		}
	}

	endpoint, err := p.awaitEndpoint(ctx, req.Name, port)
	if err != nil {
		return Placement{}, err
	}
	return Placement{Name: req.Name, Endpoint: endpoint}, nil
}

func (p *KubectlProvisioner) apply(ctx context.Context, manifest map[string]any) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "kubectl", "apply", "-f", "-", "--server-side", "-n", p.Namespace)
	cmd.Stdin = strings.NewReader(string(data))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("kubectl apply: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// awaitEndpoint polls the service for an external address.
func (p *KubectlProvisioner) awaitEndpoint(ctx context.Context, name string, port int) (string, error) {
	deadline := time.Now().Add(p.WaitTimeout)
	for {
		cmd := exec.CommandContext(ctx, "kubectl", "get", "service", name,
			"-n", p.Namespace,
			"-o", "jsonpath={.status.loadBalancer.ingress[0].ip}{.status.loadBalancer.ingress[0].hostname}")
		out, err := cmd.Output()
		if err == nil {
			addr := strings.TrimSpace(string(out))
			if addr != "" {
				return fmt.Sprintf("http://%s:%d", addr, port), nil
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("service %s: no external address within %s", name, p.WaitTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
}

func (p *KubectlProvisioner) Teardown(ctx context.Context, name string) error {
	for _, kind := range []string{"service", "deployment"} {
		cmd := exec.CommandContext(ctx, "kubectl", "delete", kind, name,
			"-n", p.Namespace, "--ignore-not-found")
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("kubectl delete %s %s: %s: %w", kind, name, strings.TrimSpace(string(out)), err)
		}
	}
	return nil
}

func labels(req Request) map[string]any {
	return map[string]any{
		"app.kubernetes.io/name":       req.Name,
		"app.kubernetes.io/managed-by": "envgate",
	}
}

func deploymentManifest(req Request, namespace string, port int) map[string]any {
	return map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]any{
			"name":      req.Name,
			"namespace": namespace,
			"labels":    labels(req),
		},
		"spec": map[string]any{
			"replicas": 1,
			"selector": map[string]any{"matchLabels": labels(req)},
			"template": map[string]any{
				"metadata": map[string]any{"labels": labels(req)},
				"spec": map[string]any{
					"containers": []map[string]any{{
						"name":  "simulator",
						"image": req.Image,
						"ports": []map[string]any{{"containerPort": port}},
						"env": []map[string]any{
							{"name": "ENV_ID", "value": req.EnvID},
							{"name": "NUM_AGENTS", "value": fmt.Sprintf("%d", req.NumAgents)},
						},
					}},
				},
			},
		},
	}
}

func serviceManifest(req Request, namespace string, port int) map[string]any {
	return map[string]any{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata": map[string]any{
			"name":      req.Name,
			"namespace": namespace,
			"labels":    labels(req),
		},
		"spec": map[string]any{
			"type":     "LoadBalancer",
			"selector": labels(req),
			"ports": []map[string]any{{
				"port":       port,
				"targetPort": port,
			}},
		},
	}
}
