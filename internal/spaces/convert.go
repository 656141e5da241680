package spaces

import (
	"fmt"
	"math"
)

// Tensor is the neutral flat numeric vector crossing the adapter boundary.
// A nil Tensor is the explicit absent marker for an agent slot with no data;
// it serializes as JSON null.
type Tensor []float64

// Clone returns a copy of the tensor, preserving nil as the absent marker.
func (t Tensor) Clone() Tensor {
	if t == nil {
		return nil
	}
	out := make(Tensor, len(t))
	copy(out, t)
	return out
}

// ToTensor converts a decoded JSON value into a Tensor. Scalars become
// single-element tensors; nested lists are flattened in row-major order.
// Nil input maps to the nil absent marker.
func ToTensor(v any) (Tensor, error) {
	if v == nil {
		return nil, nil
	}
	var out Tensor
	if err := appendScalars(&out, v); err != nil {
		return nil, err
	}
	return out, nil
}

func appendScalars(dst *Tensor, v any) error {
	switch x := v.(type) {
	case float64:
		*dst = append(*dst, x)
	case float32:
		*dst = append(*dst, float64(x))
	case int:
		*dst = append(*dst, float64(x))
	case int64:
		*dst = append(*dst, float64(x))
	case bool:
		if x {
			*dst = append(*dst, 1)
		} else {
			*dst = append(*dst, 0)
		}
	case []any:
		for _, e := range x {
			if err := appendScalars(dst, e); err != nil {
				return err
			}
		}
	case []float64:
		*dst = append(*dst, x...)
	default:
		return fmt.Errorf("cannot convert %T to tensor", v)
	}
	return nil
}

// ToNested converts a tensor into the nested-list form described by shape.
// A nil tensor stays nil so that absent slots serialize as null.
func ToNested(t Tensor, shape []int) any {
	if t == nil {
		return nil
	}
	if len(shape) <= 1 {
		return flatList(t)
	}
	outer := shape[0]
	inner := len(t) / outer
	nested := make([]any, outer)
	for i := 0; i < outer; i++ {
		nested[i] = ToNested(t[i*inner:(i+1)*inner], shape[1:])
	}
	return nested
}

func flatList(t Tensor) []any {
	out := make([]any, len(t))
	for i, v := range t {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = sanitizeFloats([]float64{v})[0]
		}
		out[i] = v
	}
	return out
}

// SlotTensors decodes a per-slot list of JSON values into tensors, keeping
// explicit nulls as nil markers.
func SlotTensors(v any) ([]Tensor, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected per-slot list, got %T", v)
	}
	out := make([]Tensor, len(list))
	for i, e := range list {
		t, err := ToTensor(e)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}
