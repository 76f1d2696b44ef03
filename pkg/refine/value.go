package refine

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// identity is the reference identity of an object value (map or slice).
type identity struct {
	kind reflect.Kind
	ptr  uintptr
	len  int
}

// IsObject reports whether v is an object value (a map or a slice) as opposed
// to a primitive.
func IsObject(v any) bool {
	if v == nil {
		return false
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Map, reflect.Slice:
		return true
	default:
		return false
	}
}

func identityOf(v any) (identity, bool) {
	if v == nil {
		return identity{}, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return identity{}, false
		}
		return identity{kind: reflect.Map, ptr: rv.Pointer()}, true
	case reflect.Slice:
		// Zero-capacity slices all share one address.
		if rv.Cap() == 0 {
			return identity{}, false
		}
		return identity{kind: reflect.Slice, ptr: rv.Pointer(), len: rv.Len()}, true
	default:
		return identity{}, false
	}
}

// anonymous reports whether v is an object without an identity of its own:
// a zero-capacity slice or a nil map. Such values cannot be told apart.
func anonymous(v any) bool {
	if !IsObject(v) {
		return false
	}
	_, ok := identityOf(v)
	return !ok
}

// detach gives an empty list or a nil mapping a backing store of its own, so
// it has an identity distinct from every other empty value.
func detach(v any) any {
	switch x := v.(type) {
	case []any:
		if cap(x) == 0 {
			return make([]any, 0, 1)
		}
	case map[string]any:
		if x == nil {
			return map[string]any{}
		}
	case Envelope:
		x.Value = detach(x.Value)
		return x
	}
	return v
}

// SameValue compares two values the way the engine does: objects by reference
// identity, primitives by equality.
func SameValue(a, b any) bool {
	if anonymous(a) && anonymous(b) {
		return reflect.TypeOf(a) == reflect.TypeOf(b)
	}
	if IsObject(a) || IsObject(b) {
		ia, okA := identityOf(a)
		ib, okB := identityOf(b)
		return okA && okB && ia == ib
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return false
	}
	return a == b
}

// Sanitize converts v into a plain structural value: nil, bool, float64,
// string, []any or map[string]any. Objects are deep-copied, so the result never
// shares references with v. Values that cannot be represented fail.
func Sanitize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", x, err)
		}
		return f, nil
	case Envelope:
		return Sanitize(x.Wire())
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			clean, err := Sanitize(item)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = clean
		}
		return out, nil
	case []any:
		out := make([]any, len(x), max(len(x), 1))
		for i, item := range x {
			clean, err := Sanitize(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = clean
		}
		return out, nil
	}

	// Typed maps, slices and structs go through a JSON round trip.
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value of type %T is not serializable: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("value of type %T is not serializable: %w", v, err)
	}
	return detach(out), nil
}

// Normalize is Sanitize for values written by the local side: primitives are
// normalized, and map[string]any / []any objects are validated but returned
// as-is so their reference identity survives. Other object types are copied,
// as are empty lists and nil mappings, which have no identity of their own.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case map[string]any, []any:
		if _, err := Sanitize(v); err != nil {
			return nil, err
		}
		return detach(v), nil
	default:
		return Sanitize(v)
	}
}
