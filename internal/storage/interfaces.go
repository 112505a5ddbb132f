// Package storage defines the archive ports that mirror the in-process series.
//
// Archives are write-mostly: the refresh loop appends every new record and
// nothing reads them back to seed the series. A restarted process sees the
// same feed window again, so inserts skip timestamps that already exist.
package storage

import (
	"context"
	"time"

	"gridmix/internal/domain"
)

// EnergyArchive provides access to energy_records storage.
type EnergyArchive interface {
	// InsertBulk stores records, skipping timestamps already present.
	// Returns the number of rows actually written.
	InsertBulk(ctx context.Context, records []domain.EnergyRecord) (int, error)

	// GetByTimeRange retrieves records within [start, end] (inclusive), ordered by timestamp ASC.
	GetByTimeRange(ctx context.Context, start, end time.Time) ([]domain.EnergyRecord, error)

	// Latest returns the newest record. Returns ErrNotFound if the archive is empty.
	Latest(ctx context.Context) (domain.EnergyRecord, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int64, error)
}

// EmissionArchive provides access to emission_records storage.
type EmissionArchive interface {
	// InsertBulk stores records, skipping timestamps already present.
	// Returns the number of records actually written.
	InsertBulk(ctx context.Context, records []domain.EmissionRecord) (int, error)

	// GetByTimeRange retrieves records within [start, end] (inclusive), ordered by timestamp ASC.
	GetByTimeRange(ctx context.Context, start, end time.Time) ([]domain.EmissionRecord, error)

	// Latest returns the newest record. Returns ErrNotFound if the archive is empty.
	Latest(ctx context.Context) (domain.EmissionRecord, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int64, error)
}

// ValidateRange checks a [start, end] query range.
func ValidateRange(start, end time.Time) error {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return ErrInvalidInput
	}
	return nil
}
