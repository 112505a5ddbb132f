package derive

import (
	"sort"

	"gridmix/internal/domain"
)

// SourceSeries extracts the power series of one source.
func SourceSeries(series []domain.EnergyRecord, source domain.Source) []domain.SourcePoint {
	out := make([]domain.SourcePoint, len(series))
	for i, rec := range series {
		out[i] = domain.SourcePoint{Timestamp: rec.Timestamp, Value: rec.Power[source]}
	}
	return out
}

// SourceEmissionSeries extracts the emission series of one source.
func SourceEmissionSeries(emissions []domain.EmissionRecord, source domain.Source) []domain.SourcePoint {
	out := make([]domain.SourcePoint, len(emissions))
	for i, rec := range emissions {
		out[i] = domain.SourcePoint{Timestamp: rec.Timestamp, Value: rec.Emission[source]}
	}
	return out
}

// RankedSource is a source with its summed power over a window.
type RankedSource struct {
	Source  domain.Source `json:"source"`
	TotalMW float64       `json:"total_mw"`
}

// RankSources orders sources by summed power over the last window records,
// largest first. Ties keep canonical source order. A window <= 0 or larger
// than the series covers the whole series.
func RankSources(series []domain.EnergyRecord, window int) []RankedSource {
	if window <= 0 || window > len(series) {
		window = len(series)
	}

	var totals domain.Mix
	for _, rec := range series[len(series)-window:] {
		for i, v := range rec.Power {
			totals[i] += v
		}
	}

	ranked := make([]RankedSource, 0, domain.NumSources)
	for _, s := range domain.Sources() {
		ranked = append(ranked, RankedSource{Source: s, TotalMW: totals[s]})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].TotalMW > ranked[j].TotalMW
	})
	return ranked
}

// Shares returns each source's fraction of the snapshot's per-source sum.
// All shares are zero when nothing is produced.
func Shares(snapshot domain.Snapshot) domain.Mix {
	var shares domain.Mix
	sum := snapshot.Mix.Sum()
	if sum <= 0 {
		return shares
	}
	for i, v := range snapshot.Mix {
		shares[i] = v / sum
	}
	return shares
}
