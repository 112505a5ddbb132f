package domain

import "fmt"

// EmissionFactors maps each source to grams of CO2 per kWh.
// Treated as immutable once the process has started.
type EmissionFactors Mix

// DefaultEmissionFactors returns the standard per-source factors (g CO2/kWh).
func DefaultEmissionFactors() EmissionFactors {
	var f EmissionFactors
	f[SourceBioenergies] = 300
	f[SourceHydraulique] = 24
	f[SourceDiesel] = 777
	f[SourceCharbon] = 986
	f[SourceTurbinesACombustion] = 352
	f[SourcePhotovoltaique] = 45
	f[SourceEolien] = 11
	f[SourceStockage] = 10
	return f
}

// Factor returns the factor for a source.
func (f EmissionFactors) Factor(s Source) float64 {
	return f[s]
}

// WithOverrides returns a copy with the named factors replaced.
func (f EmissionFactors) WithOverrides(overrides map[string]float64) (EmissionFactors, error) {
	out := f
	for name, v := range overrides {
		s, err := ParseSource(name)
		if err != nil {
			return f, err
		}
		out[s] = v
	}
	return out, out.Validate()
}

// Validate checks that every factor is non-negative.
func (f EmissionFactors) Validate() error {
	for i, v := range f {
		if v < 0 {
			return fmt.Errorf("emission factor for %s must be >= 0, got %v", Source(i), v)
		}
	}
	return nil
}

// MarshalJSON encodes the factors keyed by source name.
func (f EmissionFactors) MarshalJSON() ([]byte, error) {
	return Mix(f).MarshalJSON()
}
