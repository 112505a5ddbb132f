// Package derive computes emission series and latest-instant views from an
// energy series. Every function here is pure: same inputs, same outputs.
package derive

import "gridmix/internal/domain"

// Emissions returns one EmissionRecord per input record, in the same order,
// with Emission[s] = Power[s] * factors[s].
func Emissions(series []domain.EnergyRecord, factors domain.EmissionFactors) []domain.EmissionRecord {
	out := make([]domain.EmissionRecord, len(series))
	for i, rec := range series {
		out[i] = EmissionOf(rec, factors)
	}
	return out
}

// EmissionOf derives the emission record for a single energy record.
func EmissionOf(rec domain.EnergyRecord, factors domain.EmissionFactors) domain.EmissionRecord {
	em := domain.EmissionRecord{Timestamp: rec.Timestamp}
	for _, s := range domain.Sources() {
		em.Emission[s] = rec.Power[s] * factors.Factor(s)
	}
	return em
}
