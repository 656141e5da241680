package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/envgate/envgate/internal/backend"
)

// frame is one command received over a channel-mode connection. The method
// set mirrors the HTTP routes so a trainer speaks the same protocol either
// way, minus the transport.
type frame struct {
	Method     string                   `json:"method"`
	SessionKey string                   `json:"session_key,omitempty"`
	EnvSpec    *backend.EnvironmentSpec `json:"env_spec,omitempty"`
	NumEnvs    int                      `json:"num_envs,omitempty"`
	Seed       *int64                   `json:"seed,omitempty"`
	Instance   *int                     `json:"instance,omitempty"`
	Actions    any                      `json:"actions,omitempty"`
}

// frameReply wraps every channel response. Recoverable command failures come
// back as ok=false with an error code; the channel itself stays up.
type frameReply struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
	Result any    `json:"result,omitempty"`
}

// HandleFrame executes one channel command and returns the encoded reply.
// It never returns an error: malformed and failed commands are reported in
// the reply so the connection loop does not tear down the channel.
func (g *Gateway) HandleFrame(ctx context.Context, data []byte) []byte {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return encodeReply(frameReply{OK: false, Error: "invalid_frame", Detail: err.Error()})
	}

	result, err := g.dispatch(ctx, f)
	if err != nil {
		return encodeReply(frameReply{OK: false, Error: errorCode(err), Detail: err.Error()})
	}
	return encodeReply(frameReply{OK: true, Result: result})
}

func (g *Gateway) dispatch(ctx context.Context, f frame) (any, error) {
	switch f.Method {
	case "make":
		if f.EnvSpec == nil {
			return nil, fmt.Errorf("make requires env_spec")
		}
		return g.Make(ctx, *f.EnvSpec)
	case "make_vec":
		if f.EnvSpec == nil {
			return nil, fmt.Errorf("make_vec requires env_spec")
		}
		return g.MakeVec(ctx, *f.EnvSpec, f.NumEnvs)
	case "reset":
		return g.Reset(ctx, f.SessionKey, f.Seed, f.Instance)
	case "step":
		return g.Step(ctx, f.SessionKey, f.Actions)
	case "action_space":
		sp, err := g.ActionSpace(f.SessionKey)
		if err != nil {
			return nil, err
		}
		return map[string]any{"space_descriptor": sp}, nil
	case "observation_space":
		sp, err := g.ObservationSpace(f.SessionKey)
		if err != nil {
			return nil, err
		}
		return map[string]any{"space_descriptor": sp}, nil
	case "close":
		if err := g.Close(ctx, f.SessionKey); err != nil {
			return nil, err
		}
		return map[string]any{"closed": true}, nil
	default:
		return nil, fmt.Errorf("unknown method %q", f.Method)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, backend.ErrUnavailable):
		return "backend_unavailable"
	case errors.Is(err, backend.ErrIncompatible):
		return "backend_incompatible"
	case errors.Is(err, backend.ErrPartialCreate):
		return "partial_create_failure"
	case errors.Is(err, ErrActionShapeMismatch):
		return "action_shape_mismatch"
	case errors.Is(err, ErrSessionDegraded), errors.Is(err, ErrBackendStep):
		return "backend_step_error"
	default:
		return "invalid_request"
	}
}

func encodeReply(r frameReply) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		// Result values are built from JSON-safe types; reaching here means
		// a programming error, not bad input.
		return []byte(`{"ok":false,"error":"encode_failure"}`)
	}
	return data
}
