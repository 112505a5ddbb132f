package refresh

import (
	"context"
	"errors"
	"fmt"

	"gridmix/internal/domain"
	"gridmix/internal/series"
	"gridmix/internal/storage"
)

// Update is handed to every sink after a successful cycle.
type Update struct {
	CycleID    string
	Generation *Generation
	Merge      series.MergeResult
	// AppendedEmissions holds one emission record per Merge.Appended record.
	AppendedEmissions []domain.EmissionRecord
}

// Sink is notified once per successful cycle. Sinks must not modify the update.
type Sink interface {
	Name() string
	Publish(ctx context.Context, u *Update) error
}

// ArchiveSink mirrors appended records into the archives. Either archive may be nil.
type ArchiveSink struct {
	name      string
	energy    storage.EnergyArchive
	emissions storage.EmissionArchive
}

// NewArchiveSink creates an archive sink.
func NewArchiveSink(name string, energy storage.EnergyArchive, emissions storage.EmissionArchive) *ArchiveSink {
	if name == "" {
		name = "archive"
	}
	return &ArchiveSink{name: name, energy: energy, emissions: emissions}
}

// Name implements Sink.
func (s *ArchiveSink) Name() string {
	return s.name
}

// Publish writes the appended energy and emission records.
func (s *ArchiveSink) Publish(ctx context.Context, u *Update) error {
	if len(u.Merge.Appended) == 0 {
		return nil
	}

	var errs []error
	if s.energy != nil {
		if _, err := s.energy.InsertBulk(ctx, u.Merge.Appended); err != nil {
			errs = append(errs, fmt.Errorf("energy archive: %w", err))
		}
	}
	if s.emissions != nil {
		if _, err := s.emissions.InsertBulk(ctx, u.AppendedEmissions); err != nil {
			errs = append(errs, fmt.Errorf("emission archive: %w", err))
		}
	}
	return errors.Join(errs...)
}

var _ Sink = (*ArchiveSink)(nil)
