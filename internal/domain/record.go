package domain

import "time"

// RawRecord is one element of a feed page as served upstream.
// Power only carries the sources present in the payload.
type RawRecord struct {
	Timestamp time.Time
	Total     float64
	Power     map[Source]float64
}

// ToEnergyRecord converts a raw record, clamping every source to >= 0 and
// defaulting missing sources to 0. Total is kept as served.
func (r RawRecord) ToEnergyRecord() EnergyRecord {
	rec := EnergyRecord{
		Timestamp: r.Timestamp,
		Total:     r.Total,
	}
	for s, v := range r.Power {
		if !s.IsValid() {
			continue
		}
		if v < 0 {
			v = 0
		}
		rec.Power[s] = v
	}
	return rec
}

// EnergyRecord is one sample of the grid production mix.
type EnergyRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Total     float64   `json:"total_mw"` // total production (MW)
	Power     Mix       `json:"power_mw"` // per-source production (MW, >= 0)
}

// EmissionRecord is derived one-to-one from an EnergyRecord.
// Emission[s] = Power[s] * factor[s].
type EmissionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Emission  Mix       `json:"emission"`
}

// Snapshot is the latest-instant view of power and emission rate.
type Snapshot struct {
	Timestamp            time.Time `json:"timestamp"`
	CurrentPowerMW       float64   `json:"current_power_mw"`
	EmissionRateKgPerKWh float64   `json:"emission_rate_kg_co2_per_kwh"`
	Mix                  Mix       `json:"mix_mw"`
}

// SourcePoint is one sample of a single-source series.
type SourcePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}
