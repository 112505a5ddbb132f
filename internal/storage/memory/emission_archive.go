package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"gridmix/internal/domain"
	"gridmix/internal/storage"
)

// EmissionArchive is an in-memory implementation of storage.EmissionArchive.
type EmissionArchive struct {
	mu   sync.RWMutex
	data map[int64]domain.EmissionRecord // keyed by timestamp (unix nanos)
}

// NewEmissionArchive creates a new in-memory emission archive.
func NewEmissionArchive() *EmissionArchive {
	return &EmissionArchive{
		data: make(map[int64]domain.EmissionRecord),
	}
}

// InsertBulk stores records, skipping timestamps already present.
// The batch is validated before anything is written.
func (a *EmissionArchive) InsertBulk(_ context.Context, records []domain.EmissionRecord) (int, error) {
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
func (a *EmissionArchive) GetByTimeRange(_ context.Context, start, end time.Time) ([]domain.EmissionRecord, error) {
	if err := storage.ValidateRange(start, end); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var result []domain.EmissionRecord
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
func (a *EmissionArchive) Latest(_ context.Context) (domain.EmissionRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var (
		latest domain.EmissionRecord
		found  bool
	)
	for _, r := range a.data {
		if !found || r.Timestamp.After(latest.Timestamp) {
			latest, found = r, true
		}
	}
	if !found {
		return domain.EmissionRecord{}, storage.ErrNotFound
	}
	return latest, nil
}

// Count returns the number of stored records.
func (a *EmissionArchive) Count(_ context.Context) (int64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return int64(len(a.data)), nil
}

var _ storage.EmissionArchive = (*EmissionArchive)(nil)
