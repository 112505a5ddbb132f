package derive

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"gridmix/internal/domain"
)

// ErrEmptySeries is returned when a reduction needs at least one record.
var ErrEmptySeries = errors.New("empty series")

var gramsPerKg = decimal.NewFromInt(1000)

// Reduce builds the snapshot of the last record in series.
//
// CurrentPowerMW is the record's total. EmissionRateKgPerKWh is
// sum(power[s] * factor[s]) / 1000, accumulated in decimal so the result does
// not depend on source order.
func Reduce(series []domain.EnergyRecord, factors domain.EmissionFactors) (domain.Snapshot, error) {
	if len(series) == 0 {
		return domain.Snapshot{}, ErrEmptySeries
	}
	last := series[len(series)-1]

	return domain.Snapshot{
		Timestamp:            last.Timestamp,
		CurrentPowerMW:       last.Total,
		EmissionRateKgPerKWh: emissionRate(last, factors),
		Mix:                  last.Power,
	}, nil
}

// emissionRate skips non-finite terms; decimal cannot represent them.
func emissionRate(rec domain.EnergyRecord, factors domain.EmissionFactors) float64 {
	sum := decimal.Zero
	for _, s := range domain.Sources() {
		power, factor := rec.Power[s], factors.Factor(s)
		if !finite(power) || !finite(factor) {
			continue
		}
		sum = sum.Add(decimal.NewFromFloat(power).Mul(decimal.NewFromFloat(factor)))
	}
	rate, _ := sum.Div(gramsPerKg).Float64()
	return rate
}

func finite(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}
