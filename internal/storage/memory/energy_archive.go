package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"gridmix/internal/domain"
	"gridmix/internal/storage"
)

// EnergyArchive is an in-memory implementation of storage.EnergyArchive.
type EnergyArchive struct {
	mu   sync.RWMutex
	data map[int64]domain.EnergyRecord // keyed by timestamp (unix nanos)
}

// NewEnergyArchive creates a new in-memory energy archive.
func NewEnergyArchive() *EnergyArchive {
	return &EnergyArchive{
		data: make(map[int64]domain.EnergyRecord),
	}
}

// InsertBulk stores records, skipping timestamps already present.
// The batch is validated before anything is written.
func (a *EnergyArchive) InsertBulk(_ context.Context, records []domain.EnergyRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	for _, r := range records {
		if r.Timestamp.IsZero() {
			return 0, storage.ErrInvalidInput
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	inserted := 0
	for _, r := range records {
		key := r.Timestamp.UnixNano()
		if _, exists := a.data[key]; exists {
			continue
		}
		a.data[key] = r
		inserted++
	}
	return inserted, nil
}

// GetByTimeRange retrieves records within [start, end], ordered by timestamp ASC.
func (a *EnergyArchive) GetByTimeRange(_ context.Context, start, end time.Time) ([]domain.EnergyRecord, error) {
	if err := storage.ValidateRange(start, end); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var result []domain.EnergyRecord
	for _, r := range a.data {
		if !r.Timestamp.Before(start) && !r.Timestamp.After(end) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// Latest returns the newest record.
func (a *EnergyArchive) Latest(_ context.Context) (domain.EnergyRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var (
		latest domain.EnergyRecord
		found  bool
	)
	for _, r := range a.data {
		if !found || r.Timestamp.After(latest.Timestamp) {
			latest, found = r, true
		}
	}
	if !found {
		return domain.EnergyRecord{}, storage.ErrNotFound
	}
	return latest, nil
}

// Count returns the number of stored records.
func (a *EnergyArchive) Count(_ context.Context) (int64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return int64(len(a.data)), nil
}

var _ storage.EnergyArchive = (*EnergyArchive)(nil)
