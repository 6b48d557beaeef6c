package value

import (
	"fmt"
	"sort"
)

// Properties is a property map keyed by name.
//
// A nil Properties is a valid empty map for reads. Null values are never
// stored: Merge treats them as deletions and Clone drops them.
type Properties map[string]Value

// FromMap converts a map of Go scalars into Properties.
func FromMap(m map[string]any) (Properties, error) {
	props := make(Properties, len(m))
	for k, raw := range m {
		v, err := From(raw)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		if !v.IsNull() {
			props[k] = v
		}
	}
	return props, nil
}

// Get returns the named property or Null when absent.
func (p Properties) Get(name string) Value {
	return p[name]
}

// Has reports whether the named property is present.
func (p Properties) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// Clone returns an independent copy without Null entries.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		if !v.IsNull() {
			out[k] = v
		}
	}
	return out
}

// Merge returns a copy of p with every key of updates applied: supplied keys
// overwrite, other keys are untouched, and a Null update removes the key.
func (p Properties) Merge(updates Properties) Properties {
	out := p.Clone()
	for k, v := range updates {
		if v.IsNull() {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Keys returns the property names in ascending order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether both maps hold the same keys with Equal values.
func (p Properties) Equal(other Properties) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok {
			return false
		}
		if v.Kind() == KindFloat && ov.Kind() == KindFloat && v.f != v.f && ov.f != ov.f {
			continue
		}
		if !Equal(v, ov) {
			return false
		}
	}
	return true
}

// Map returns the properties as plain Go values.
func (p Properties) Map() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Interface()
	}
	return out
}
