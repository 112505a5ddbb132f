package domain

import (
	"encoding/json"
	"fmt"
)

// Mix holds one value per known Source. Indexing by Source guarantees every
// source is present; an absent source is simply zero.
type Mix [NumSources]float64

// Get returns the value for a source.
func (m Mix) Get(s Source) float64 {
	return m[s]
}

// Sum returns the sum over all sources.
func (m Mix) Sum() float64 {
	var total float64
	for _, v := range m {
		total += v
	}
	return total
}

// MarshalJSON encodes the mix as an object keyed by source name.
func (m Mix) MarshalJSON() ([]byte, error) {
	obj := make(map[string]float64, NumSources)
	for i, v := range m {
		obj[sourceNames[i]] = v
	}
	return json.Marshal(obj)
}

// UnmarshalJSON decodes an object keyed by source name.
// Unknown keys are rejected; missing keys stay zero.
func (m *Mix) UnmarshalJSON(data []byte) error {
	var obj map[string]float64
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	var out Mix
	for name, v := range obj {
		s, err := ParseSource(name)
		if err != nil {
			return fmt.Errorf("decode mix: %w", err)
		}
		out[s] = v
	}
	*m = out
	return nil
}
