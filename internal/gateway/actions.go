package gateway

import (
	"fmt"
	"strconv"

	"github.com/envgate/envgate/internal/session"
	"github.com/envgate/envgate/internal/spaces"
)

// decodeActions translates the wire actions value into per-instance,
// per-slot tensors. A nil tensor means the slot has no pending action and
// receives the backend default.
//
// Vectorized sessions take an object keyed by instance index whose values
// are either dense per-slot lists or sparse objects keyed by slot index.
// Single-instance sessions take the dense list or sparse object directly.
// Any key outside the active slot set rejects the whole call.
func decodeActions(v any, s *session.Session) ([][]spaces.Tensor, error) {
	n := len(s.Instances)
	out := make([][]spaces.Tensor, n)

	if n == 1 {
		slots, err := decodeSlotActions(v, s.Instances[0])
		if err != nil {
			return nil, err
		}
		out[0] = slots
		return out, nil
	}

	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: vectorized session requires instance-keyed actions, got %T", ErrActionShapeMismatch, v)
	}
	for i := range out {
		out[i] = make([]spaces.Tensor, len(s.Instances[i].Slots))
	}
	for k, val := range m {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 || idx >= n {
			return nil, fmt.Errorf("%w: instance key %q not in [0,%d)", ErrActionShapeMismatch, k, n)
		}
		slots, err := decodeSlotActions(val, s.Instances[idx])
		if err != nil {
			return nil, fmt.Errorf("instance %d: %w", idx, err)
		}
		out[idx] = slots
	}
	return out, nil
}

func decodeSlotActions(v any, in *session.Instance) ([]spaces.Tensor, error) {
	numAgents := len(in.Slots)
	slots := make([]spaces.Tensor, numAgents)

	switch val := v.(type) {
	case nil:
		return slots, nil

	case []any:
		if len(val) > numAgents {
			return nil, fmt.Errorf("%w: %d actions for %d agent slots", ErrActionShapeMismatch, len(val), numAgents)
		}
		for i, e := range val {
			if e == nil {
				continue
			}
			t, err := spaces.ToTensor(e)
			if err != nil {
				return nil, fmt.Errorf("%w: slot %d: %v", ErrActionShapeMismatch, i, err)
			}
			slots[i] = t
		}
		return slots, nil

	case map[string]any:
		for k, e := range val {
			idx, err := strconv.Atoi(k)
			if err != nil || idx < 0 || idx >= numAgents {
				return nil, fmt.Errorf("%w: slot key %q not in [0,%d)", ErrActionShapeMismatch, k, numAgents)
			}
			if !in.Slots[idx].Active {
				return nil, fmt.Errorf("%w: slot %d is inactive", ErrActionShapeMismatch, idx)
			}
			t, err := spaces.ToTensor(e)
			if err != nil {
				return nil, fmt.Errorf("%w: slot %d: %v", ErrActionShapeMismatch, idx, err)
			}
			slots[idx] = t
		}
		return slots, nil

	default:
		// A bare scalar addresses slot 0 of a single-agent instance.
		if numAgents != 1 {
			return nil, fmt.Errorf("%w: scalar action for %d agent slots", ErrActionShapeMismatch, numAgents)
		}
		t, err := spaces.ToTensor(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrActionShapeMismatch, err)
		}
		slots[0] = t
		return slots, nil
	}
}
