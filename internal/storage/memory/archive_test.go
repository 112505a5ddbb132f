package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"gridmix/internal/domain"
	"gridmix/internal/storage"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func energyAt(i int) domain.EnergyRecord {
	rec := domain.EnergyRecord{Timestamp: base.Add(time.Duration(i) * 15 * time.Minute), Total: 100 + float64(i)}
	rec.Power[domain.SourceDiesel] = float64(i)
	return rec
}

func emissionAt(i int) domain.EmissionRecord {
	rec := domain.EmissionRecord{Timestamp: base.Add(time.Duration(i) * 15 * time.Minute)}
	rec.Emission[domain.SourceDiesel] = float64(i) * 777
	return rec
}

func TestEnergyArchive_InsertBulkAndGet(t *testing.T) {
	archive := NewEnergyArchive()
	ctx := context.Background()

	n, err := archive.InsertBulk(ctx, []domain.EnergyRecord{energyAt(2), energyAt(0), energyAt(1)})
	if err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 inserted, got %d", n)
	}

	result, err := archive.GetByTimeRange(ctx, energyAt(0).Timestamp, energyAt(1).Timestamp)
	if err != nil {
		t.Fatalf("GetByTimeRange failed: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(result))
	}
	if !result[0].Timestamp.Before(result[1].Timestamp) {
		t.Error("Expected ascending order")
	}
	if result[1].Power[domain.SourceDiesel] != 1 {
		t.Errorf("Expected diesel 1, got %v", result[1].Power[domain.SourceDiesel])
	}
}

func TestEnergyArchive_SkipsExisting(t *testing.T) {
	archive := NewEnergyArchive()
	ctx := context.Background()

	if _, err := archive.InsertBulk(ctx, []domain.EnergyRecord{energyAt(0), energyAt(1)}); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}

	n, err := archive.InsertBulk(ctx, []domain.EnergyRecord{energyAt(1), energyAt(2)})
	if err != nil {
		t.Fatalf("Second insert failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 inserted, got %d", n)
	}

	count, _ := archive.Count(ctx)
	if count != 3 {
		t.Errorf("Expected 3 records, got %d", count)
	}
}

func TestEnergyArchive_InvalidInput(t *testing.T) {
	archive := NewEnergyArchive()
	ctx := context.Background()

	_, err := archive.InsertBulk(ctx, []domain.EnergyRecord{energyAt(0), {}})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
	if count, _ := archive.Count(ctx); count != 0 {
		t.Errorf("Expected nothing written, got %d", count)
	}

	_, err = archive.GetByTimeRange(ctx, energyAt(2).Timestamp, energyAt(1).Timestamp)
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for inverted range, got %v", err)
	}
}

func TestEnergyArchive_Latest(t *testing.T) {
	archive := NewEnergyArchive()
	ctx := context.Background()

	if _, err := archive.Latest(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if _, err := archive.InsertBulk(ctx, []domain.EnergyRecord{energyAt(3), energyAt(5), energyAt(4)}); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	latest, err := archive.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if !latest.Timestamp.Equal(energyAt(5).Timestamp) {
		t.Errorf("Expected latest at %v, got %v", energyAt(5).Timestamp, latest.Timestamp)
	}
}

func TestEmissionArchive_InsertBulkAndGet(t *testing.T) {
	archive := NewEmissionArchive()
	ctx := context.Background()

	n, err := archive.InsertBulk(ctx, []domain.EmissionRecord{emissionAt(0), emissionAt(1), emissionAt(1)})
	if err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 inserted, got %d", n)
	}

	result, err := archive.GetByTimeRange(ctx, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetByTimeRange failed: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(result))
	}
	if result[1].Emission[domain.SourceDiesel] != 777 {
		t.Errorf("Expected 777, got %v", result[1].Emission[domain.SourceDiesel])
	}

	latest, err := archive.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if !latest.Timestamp.Equal(emissionAt(1).Timestamp) {
		t.Errorf("Unexpected latest %v", latest.Timestamp)
	}
}
