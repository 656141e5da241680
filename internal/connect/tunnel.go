package connect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTunnelEstablishment is returned when the tunnel provider keeps refusing
// past the retry ceiling. Open sessions survive it; the exposure can be
// retried.
var ErrTunnelEstablishment = errors.New("tunnel establishment failed")

// TunnelProvider turns a local port into a public forwarding address.
type TunnelProvider interface {
	Name() string
	// Open requests a forwarding address for the local port. One provider
	// instance owns at most one tunnel at a time.
	Open(ctx context.Context, port int) (string, error)
	Close(ctx context.Context) error
}

// openTunnel drives provider.Open with bounded exponential backoff.
func openTunnel(ctx context.Context, p TunnelProvider, port int, attempts uint64) (string, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), attempts), ctx)
	addr, err := backoff.RetryWithData(func() (string, error) {
		return p.Open(ctx, port)
	}, bo)
	if err != nil {
		return "", fmt.Errorf("%w: provider %s: %v", ErrTunnelEstablishment, p.Name(), err)
	}
	return addr, nil
}

// NgrokProvider drives a locally running ngrok agent through its API.
type NgrokProvider struct {
	// AgentURL is the agent API base, normally http://127.0.0.1:4040.
	AgentURL string
	client   *http.Client
	tunnel   string
}

func NewNgrokProvider(agentURL string) *NgrokProvider {
	if agentURL == "" {
		agentURL = "http://127.0.0.1:4040"
	}
	return &NgrokProvider{
		AgentURL: agentURL,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *NgrokProvider) Name() string { return "ngrok" }

func (p *NgrokProvider) Open(ctx context.Context, port int) (string, error) {
	name := fmt.Sprintf("envgate-%d", port)
	body, _ := json.Marshal(map[string]any{
		"name":  name,
		"addr":  fmt.Sprintf("%d", port),
		"proto": "http",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.AgentURL+"/api/tunnels", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ngrok agent returned status %d", resp.StatusCode)
	}

	var out struct {
		PublicURL string `json:"public_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.PublicURL == "" {
		return "", fmt.Errorf("ngrok agent returned no public_url")
	}
	p.tunnel = name
	return out.PublicURL, nil
}

func (p *NgrokProvider) Close(ctx context.Context) error {
	if p.tunnel == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.AgentURL+"/api/tunnels/"+p.tunnel, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	p.tunnel = ""
	return nil
}

var localTunnelURL = regexp.MustCompile(`https://[a-z0-9-]+\.loca\.lt`)

// LocalTunnelProvider runs the localtunnel client binary and scrapes the
// assigned URL from its output. Requires `lt` on PATH.
type LocalTunnelProvider struct {
	LocalHost string
	cmd       *exec.Cmd
}

func NewLocalTunnelProvider(localHost string) *LocalTunnelProvider {
	if localHost == "" {
		localHost = "localhost"
	}
	return &LocalTunnelProvider{LocalHost: localHost}
}

func (p *LocalTunnelProvider) Name() string { return "localtunnel" }

func (p *LocalTunnelProvider) Open(ctx context.Context, port int) (string, error) {
	ltPath, err := exec.LookPath("lt")
	if err != nil {
		return "", fmt.Errorf("localtunnel client not on PATH: %w", err)
	}

	cmd := exec.Command(ltPath, "--port", fmt.Sprintf("%d", port), "--local-host", p.LocalHost)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", err
	}

	urlCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if m := localTunnelURL.FindString(scanner.Text()); m != "" {
				urlCh <- m
				return
			}
		}
		close(urlCh)
	}()

	select {
	case url, ok := <-urlCh:
		if !ok || url == "" {
			_ = cmd.Process.Kill()
			return "", fmt.Errorf("localtunnel exited without printing a URL")
		}
		p.cmd = cmd
		return url, nil
	case <-time.After(30 * time.Second):
		_ = cmd.Process.Kill()
		return "", fmt.Errorf("timed out waiting for localtunnel URL")
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return "", ctx.Err()
	}
}

func (p *LocalTunnelProvider) Close(_ context.Context) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	_ = p.cmd.Wait()
	p.cmd = nil
	return err
}

// NewTunnelProvider resolves a provider by name.
func NewTunnelProvider(name, localHost string) (TunnelProvider, error) {
	switch name {
	case "", "ngrok":
		return NewNgrokProvider(""), nil
	case "localtunnel":
		return NewLocalTunnelProvider(localHost), nil
	default:
		return nil, fmt.Errorf("unknown tunnel provider %q", name)
	}
}
