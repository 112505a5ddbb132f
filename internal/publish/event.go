// Package publish fans refresh results out to Redis and NATS.
package publish

import (
	"time"

	"github.com/google/uuid"

	"gridmix/internal/domain"
	"gridmix/internal/refresh"
)

// EventRefreshCompleted is the type of the event emitted after each successful cycle.
const EventRefreshCompleted = "refresh.completed"

// Event is the envelope published for each successful cycle.
type Event struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	CycleID    string           `json:"cycle_id"`
	Generation uint64           `json:"generation"`
	OccurredAt time.Time        `json:"occurred_at"`
	Appended   int              `json:"appended"`
	Evicted    int              `json:"evicted"`
	SeriesLen  int              `json:"series_len"`
	GapSeconds float64          `json:"gap_seconds,omitempty"`
	Snapshot   *domain.Snapshot `json:"snapshot,omitempty"`
}

// NewEvent builds the envelope for an update.
func NewEvent(u *refresh.Update, now time.Time) Event {
	ev := Event{
		ID:         uuid.NewString(),
		Type:       EventRefreshCompleted,
		CycleID:    u.CycleID,
		OccurredAt: now.UTC(),
		Appended:   len(u.Merge.Appended),
		Evicted:    u.Merge.Evicted,
		GapSeconds: u.Merge.Gap.Seconds(),
	}
	if g := u.Generation; g != nil {
		ev.Generation = g.Number
		ev.SeriesLen = len(g.Series)
		ev.Snapshot = g.Snapshot
	}
	return ev
}
