// Package series holds the accumulated energy-record series and implements
// the incremental merge of newest-first feed pages.
package series

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gridmix/internal/domain"
)

// ErrInvalidOrdering is returned when the new part of a page is not strictly
// newest-first. The store is left untouched.
var ErrInvalidOrdering = errors.New("page records not strictly descending by timestamp")

// Retention bounds the store. MaxRecords of 0 means unbounded.
type Retention struct {
	MaxRecords int
}

// MergeResult describes one Merge call.
type MergeResult struct {
	// Appended holds the new records in chronological order.
	Appended []domain.EnergyRecord
	// Scanned counts page records examined before the scan stopped.
	Scanned int
	// OverlapFound reports whether the scan reached the known tail.
	OverlapFound bool
	// Gap is the distance between the latest known timestamp and the oldest
	// appended record when the page did not reach the known tail.
	Gap time.Duration
	// Evicted counts records dropped by retention.
	Evicted int
	// Generation is the store generation after the merge.
	Generation uint64
}

// HasGap reports whether the merge may have skipped records.
func (r MergeResult) HasGap() bool {
	return r.Gap > 0
}

// Store is an ordered, duplicate-free series of energy records, strictly
// increasing by timestamp. Merge swaps in a new backing array, so slices
// returned by Records are never modified afterwards.
type Store struct {
	mu         sync.RWMutex
	records    []domain.EnergyRecord
	generation uint64
	retention  Retention
}

// NewStore creates an empty store.
func NewStore(retention Retention) *Store {
	if retention.MaxRecords < 0 {
		retention.MaxRecords = 0
	}
	return &Store{retention: retention}
}

// Merge appends the records of a newest-first page that are newer than the
// latest stored record. The scan stops at the first record at or before the
// latest timestamp; everything from there on is already known.
// Merge is all-or-nothing: on error the store is unchanged.
func (s *Store) Merge(page []domain.RawRecord) (MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		latest    time.Time
		hasLatest = len(s.records) > 0
		result    = MergeResult{Generation: s.generation}
	)
	if hasLatest {
		latest = s.records[len(s.records)-1].Timestamp
	}

	batch := make([]domain.EnergyRecord, 0, len(page))
	for _, raw := range page {
		if hasLatest && !raw.Timestamp.After(latest) {
			result.OverlapFound = true
			break
		}
		result.Scanned++
		if n := len(batch); n > 0 && !raw.Timestamp.Before(batch[n-1].Timestamp) {
			return MergeResult{Generation: s.generation}, fmt.Errorf("%w: %s follows %s",
				ErrInvalidOrdering, raw.Timestamp.Format(time.RFC3339), batch[n-1].Timestamp.Format(time.RFC3339))
		}
		batch = append(batch, raw.ToEnergyRecord())
	}

	if len(batch) == 0 {
		return result, nil
	}

	// Chronological order.
	for i, j := 0, len(batch)-1; i < j; i, j = i+1, j-1 {
		batch[i], batch[j] = batch[j], batch[i]
	}

	if hasLatest && !result.OverlapFound {
		result.Gap = batch[0].Timestamp.Sub(latest)
	}

	merged := make([]domain.EnergyRecord, 0, len(s.records)+len(batch))
	merged = append(merged, s.records...)
	merged = append(merged, batch...)

	if limit := s.retention.MaxRecords; limit > 0 && len(merged) > limit {
		result.Evicted = len(merged) - limit
		merged = merged[result.Evicted:]
	}

	s.records = merged
	s.generation++

	result.Appended = batch
	result.Generation = s.generation
	return result, nil
}

// Records returns the current series. The slice must not be modified.
func (s *Store) Records() []domain.EnergyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records
}

// Latest returns the newest record, if any.
func (s *Store) Latest() (domain.EnergyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return domain.EnergyRecord{}, false
	}
	return s.records[len(s.records)-1], true
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Generation increments on every merge that changes the series.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Snapshot returns the series together with its generation, read under one lock.
func (s *Store) Snapshot() ([]domain.EnergyRecord, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records, s.generation
}
