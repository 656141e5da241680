// Package envgate provides a Go SDK client for the envgate gateway HTTP API.
//
// Usage:
//
//	client := envgate.NewClient("http://localhost:8100", envgate.WithAPIKey("my-key"))
//	made, err := client.Make(ctx, envgate.EnvironmentSpec{ID: "CartPole-v1", Backend: "builtin", NumAgents: 2})
//	out, err := client.Reset(ctx, made.SessionKey, nil)
package envgate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// LaunchOptions are simulator launch parameters forwarded to the backend.
type LaunchOptions struct {
	Graphics       bool    `json:"graphics,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
	Seed           int64   `json:"seed,omitempty"`
	LegacyFinalObs bool    `json:"legacy_final_obs,omitempty"`
}

// EnvironmentSpec selects and parameterizes an environment.
type EnvironmentSpec struct {
	ID         string        `json:"id"`
	Backend    string        `json:"backend"`
	EntryPoint string        `json:"entry_point,omitempty"`
	NumAgents  int           `json:"num_agents,omitempty"`
	Launch     LaunchOptions `json:"launch,omitempty"`
}

// SpaceDescriptor describes an action or observation space. Type is
// "discrete" or "box"; Categories is set for discrete spaces, the
// Shape/Dtype/Low/High quartet for box.
type SpaceDescriptor struct {
	Type       string    `json:"type"`
	Shape      []int     `json:"shape,omitempty"`
	Dtype      string    `json:"dtype,omitempty"`
	Low        []float64 `json:"low,omitempty"`
	High       []float64 `json:"high,omitempty"`
	Categories int       `json:"categories,omitempty"`
}

// MakeResult is the response from session creation.
type MakeResult struct {
	SessionKey       string          `json:"session_key"`
	ActionSpace      SpaceDescriptor `json:"action_space"`
	ObservationSpace SpaceDescriptor `json:"observation_space"`
}

// ResetOutput holds per-slot observations from a reset. A null entry marks
// an agent slot with no live agent.
type ResetOutput struct {
	Observations json.RawMessage `json:"observations"`
	Info         json.RawMessage `json:"info"`
}

// StepOutput holds per-slot step results. Entries align with agent slots;
// null entries mark slots that were inactive for the step.
type StepOutput struct {
	Observations json.RawMessage `json:"observations"`
	Rewards      json.RawMessage `json:"rewards"`
	Terminated   json.RawMessage `json:"terminated"`
	Truncated    json.RawMessage `json:"truncated"`
	Info         json.RawMessage `json:"info"`
}

// HealthResponse is the response from the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	Sessions int    `json:"sessions"`
}

// ResetOptions holds optional parameters for a reset.
type ResetOptions struct {
	Seed     *int64
	Instance *int
}

// APIError represents an error response from the gateway API.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.ErrorCode, e.Message)
}

// Option configures the Client.
type Option func(*Client)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// Client is the gateway API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new gateway client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			apiErr.ErrorCode = "unknown"
			apiErr.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return nil, &apiErr
	}

	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result interface{}) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// Health checks the gateway health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var result HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Make creates a single-instance session for the given environment.
func (c *Client) Make(ctx context.Context, spec EnvironmentSpec) (*MakeResult, error) {
	body := map[string]interface{}{"env_spec": spec}
	var result MakeResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/make", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MakeVec creates a session with numEnvs environment instances. Creation is
// all or nothing; on failure no session exists.
func (c *Client) MakeVec(ctx context.Context, spec EnvironmentSpec, numEnvs int) (*MakeResult, error) {
	body := map[string]interface{}{"env_spec": spec, "num_envs": numEnvs}
	var result MakeResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/make_vec", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Reset starts new episodes for a session. Options may carry a seed and,
// for vectorized sessions, a single instance index to reset.
func (c *Client) Reset(ctx context.Context, sessionKey string, opts *ResetOptions) (*ResetOutput, error) {
	body := map[string]interface{}{"session_key": sessionKey}
	if opts != nil {
		if opts.Seed != nil {
			body["seed"] = *opts.Seed
		}
		if opts.Instance != nil {
			body["instance"] = *opts.Instance
		}
	}
	var result ResetOutput
	if err := c.doJSON(ctx, http.MethodPost, "/v1/reset", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Step advances a session one step. For single-instance sessions actions is
// a slot-indexed list or a map of slot index to action; for vectorized
// sessions it is keyed by instance index.
func (c *Client) Step(ctx context.Context, sessionKey string, actions interface{}) (*StepOutput, error) {
	body := map[string]interface{}{"session_key": sessionKey, "actions": actions}
	var result StepOutput
	if err := c.doJSON(ctx, http.MethodPost, "/v1/step", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ActionSpace returns the session's action space descriptor.
func (c *Client) ActionSpace(ctx context.Context, sessionKey string) (*SpaceDescriptor, error) {
	return c.space(ctx, "/v1/action_space", sessionKey)
}

// ObservationSpace returns the session's observation space descriptor.
func (c *Client) ObservationSpace(ctx context.Context, sessionKey string) (*SpaceDescriptor, error) {
	return c.space(ctx, "/v1/observation_space", sessionKey)
}

func (c *Client) space(ctx context.Context, path, sessionKey string) (*SpaceDescriptor, error) {
	var result struct {
		SpaceDescriptor SpaceDescriptor `json:"space_descriptor"`
	}
	q := url.Values{"session_key": {sessionKey}}
	if err := c.doJSON(ctx, http.MethodGet, path+"?"+q.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return &result.SpaceDescriptor, nil
}

// Close tears down a session. Closing an unknown or already-closed session
// is not an error. An empty key closes every session on the gateway.
func (c *Client) Close(ctx context.Context, sessionKey string) error {
	body := map[string]interface{}{"session_key": sessionKey}
	var result struct {
		OK bool `json:"ok"`
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/close", body, &result)
}
