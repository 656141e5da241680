// Package spaces describes the action and observation spaces of simulation
// instances and the neutral numeric representation that crosses the gateway
// boundary.
package spaces

import (
	"fmt"
	"math"
)

// Space type tags. The set is closed: backends declare one of these.
const (
	TypeBox           = "box"
	TypeDiscrete      = "discrete"
	TypeMultiDiscrete = "multi_discrete"
)

// Space is a JSON-serializable descriptor of an action or observation space.
// Low/High apply to box spaces, Categories to discrete spaces.
type Space struct {
	Type       string    `json:"type"`
	Shape      []int     `json:"shape,omitempty"`
	Dtype      string    `json:"dtype,omitempty"`
	Low        []float64 `json:"low,omitempty"`
	High       []float64 `json:"high,omitempty"`
	Categories int       `json:"categories,omitempty"`
}

// Box returns a box space with the given per-dimension bounds.
func Box(low, high []float64) Space {
	return Space{
		Type:  TypeBox,
		Shape: []int{len(low)},
		Dtype: "float64",
		Low:   low,
		High:  high,
	}
}

// Discrete returns a discrete space with n categories.
func Discrete(n int) Space {
	return Space{
		Type:       TypeDiscrete,
		Shape:      []int{1},
		Dtype:      "int64",
		Categories: n,
	}
}

// FlatDim returns the number of scalar elements described by the space.
func (s Space) FlatDim() int {
	if len(s.Shape) == 0 {
		return 1
	}
	n := 1
	for _, d := range s.Shape {
		n *= d
	}
	return n
}

// Validate checks internal consistency of the descriptor.
func (s Space) Validate() error {
	switch s.Type {
	case TypeBox:
		if len(s.Low) != len(s.High) {
			return fmt.Errorf("box space: low has %d dims, high has %d", len(s.Low), len(s.High))
		}
	case TypeDiscrete:
		if s.Categories < 1 {
			return fmt.Errorf("discrete space: categories must be >= 1, got %d", s.Categories)
		}
	case TypeMultiDiscrete:
		if len(s.Shape) == 0 {
			return fmt.Errorf("multi_discrete space: missing shape")
		}
	default:
		return fmt.Errorf("unknown space type %q", s.Type)
	}
	return nil
}

// Sanitized returns a copy with NaN and infinite bounds replaced by values
// that survive JSON encoding. NaN becomes 0; infinities clamp to the
// float32 range, which is what the bounds originated as.
func (s Space) Sanitized() Space {
	out := s
	out.Low = sanitizeFloats(s.Low)
	out.High = sanitizeFloats(s.High)
	return out
}

func sanitizeFloats(in []float64) []float64 {
	if in == nil {
		return nil
	}
	out := make([]float64, len(in))
	for i, v := range in {
		switch {
		case math.IsNaN(v):
			out[i] = 0
		case math.IsInf(v, 1):
			out[i] = math.MaxFloat32
		case math.IsInf(v, -1):
			out[i] = -math.MaxFloat32
		default:
			out[i] = v
		}
	}
	return out
}
