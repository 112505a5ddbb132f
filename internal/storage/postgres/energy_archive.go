package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"gridmix/internal/domain"
	"gridmix/internal/observability"
	"gridmix/internal/storage"
)

// Column list shared by inserts and selects: ts, total_mw, then one column
// per source in canonical order.
var (
	energyColumns = "ts, total_mw, " + strings.Join(sourceColumns(), ", ")

	insertEnergyQuery = fmt.Sprintf(
		`INSERT INTO energy_records (%s) VALUES (%s) ON CONFLICT (ts) DO NOTHING`,
		energyColumns, placeholders(2+domain.NumSources),
	)
)

func sourceColumns() []string {
	cols := make([]string, 0, domain.NumSources)
	for _, s := range domain.Sources() {
		cols = append(cols, s.String())
	}
	return cols
}

func placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ph, ", ")
}

// EnergyArchive implements storage.EnergyArchive using PostgreSQL.
type EnergyArchive struct {
	pool    *Pool
	metrics *observability.Metrics
}

// NewEnergyArchive creates a new EnergyArchive.
func NewEnergyArchive(pool *Pool) *EnergyArchive {
	return &EnergyArchive{pool: pool, metrics: observability.DefaultMetrics}
}

// WithMetrics sets the metrics instance used for query timings.
func (a *EnergyArchive) WithMetrics(m *observability.Metrics) *EnergyArchive {
	a.metrics = m
	return a
}

// Compile-time interface check.
var _ storage.EnergyArchive = (*EnergyArchive)(nil)

// InsertBulk stores records in one transaction, skipping timestamps already present.
func (a *EnergyArchive) InsertBulk(ctx context.Context, records []domain.EnergyRecord) (n int, err error) {
	if len(records) == 0 {
		return 0, nil
	}
	for _, r := range records {
		if r.Timestamp.IsZero() {
			return 0, storage.ErrInvalidInput
		}
	}

	start := time.Now()
	defer func() {
		a.metrics.RecordDBQuery("postgres", "insert_energy", time.Since(start).Seconds(), err)
	}()

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, r := range records {
		args := make([]any, 0, 2+domain.NumSources)
		args = append(args, r.Timestamp.UTC(), r.Total)
		for _, v := range r.Power {
			args = append(args, v)
		}

		tag, err := tx.Exec(ctx, insertEnergyQuery, args...)
		if err != nil {
			return 0, fmt.Errorf("insert energy record %s: %w", r.Timestamp.Format(time.RFC3339), err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return inserted, nil
}

// GetByTimeRange retrieves records within [start, end] (inclusive), ordered by ts ASC.
func (a *EnergyArchive) GetByTimeRange(ctx context.Context, start, end time.Time) ([]domain.EnergyRecord, error) {
	if err := storage.ValidateRange(start, end); err != nil {
		return nil, err
	}

	query := `SELECT ` + energyColumns + `
		FROM energy_records
		WHERE ts >= $1 AND ts <= $2
		ORDER BY ts ASC`

	rows, err := a.pool.Query(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	var result []domain.EnergyRecord
	for rows.Next() {
		rec, err := scanEnergyRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate energy rows: %w", err)
	}
	return result, nil
}

// Latest returns the newest record. Returns ErrNotFound if the archive is empty.
func (a *EnergyArchive) Latest(ctx context.Context) (domain.EnergyRecord, error) {
	query := `SELECT ` + energyColumns + ` FROM energy_records ORDER BY ts DESC LIMIT 1`

	rec, err := scanEnergyRecord(a.pool.QueryRow(ctx, query))
	if err != nil {
		return domain.EnergyRecord{}, notFound(err)
	}
	return rec, nil
}

// Count returns the number of stored records.
func (a *EnergyArchive) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := a.pool.QueryRow(ctx, `SELECT count(*) FROM energy_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count energy records: %w", err)
	}
	return n, nil
}

func scanEnergyRecord(row pgx.Row) (domain.EnergyRecord, error) {
	var rec domain.EnergyRecord
	dest := make([]any, 0, 2+domain.NumSources)
	dest = append(dest, &rec.Timestamp, &rec.Total)
	for i := range rec.Power {
		dest = append(dest, &rec.Power[i])
	}

	if err := row.Scan(dest...); err != nil {
		return domain.EnergyRecord{}, fmt.Errorf("scan energy row: %w", err)
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}
