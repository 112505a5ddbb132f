package refresh

import (
	"time"

	"gridmix/internal/domain"
)

// State is the refresh loop state.
type State int32

const (
	StateIdle State = iota
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// Generation is one published, mutually consistent view of the engine:
// Series, Emissions and Snapshot all derive from the same store generation.
// A Generation is never modified after it is published.
type Generation struct {
	// Number is the series store generation the data was derived from.
	Number    uint64
	Series    []domain.EnergyRecord
	Emissions []domain.EmissionRecord
	// Snapshot is nil until the series holds at least one record.
	Snapshot *domain.Snapshot

	// CycleID identifies the cycle that published this generation.
	CycleID string
	// RefreshedAt is the completion time of the last successful cycle.
	RefreshedAt time.Time

	// LastError is set when the most recent cycle failed; the data above is
	// then carried over from the previous generation.
	LastError   error
	LastErrorAt time.Time

	// LastGap is the width of the most recent detected gap, if any.
	LastGap   time.Duration
	LastGapAt time.Time
}

// Stale reports whether the most recent cycle failed.
func (g *Generation) Stale() bool {
	return g.LastError != nil
}

// LastErrorMessage returns the last error text, or "".
func (g *Generation) LastErrorMessage() string {
	if g.LastError == nil {
		return ""
	}
	return g.LastError.Error()
}

// HasData reports whether a snapshot is available.
func (g *Generation) HasData() bool {
	return g.Snapshot != nil
}

// withError returns a copy carrying the failure of cycleID.
func (g *Generation) withError(cycleID string, err error, at time.Time) *Generation {
	next := *g
	next.CycleID = cycleID
	next.LastError = err
	next.LastErrorAt = at
	return &next
}
