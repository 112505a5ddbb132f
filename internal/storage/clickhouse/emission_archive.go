package clickhouse

import (
	"context"
	"fmt"
	"time"

	"gridmix/internal/domain"
	"gridmix/internal/observability"
	"gridmix/internal/storage"
)

// EmissionArchive implements storage.EmissionArchive using ClickHouse.
// Each EmissionRecord is stored as one row per source.
type EmissionArchive struct {
	conn    *Conn
	metrics *observability.Metrics
}

// NewEmissionArchive creates a new EmissionArchive.
func NewEmissionArchive(conn *Conn) *EmissionArchive {
	return &EmissionArchive{conn: conn, metrics: observability.DefaultMetrics}
}

// WithMetrics sets the metrics instance used for query timings.
func (a *EmissionArchive) WithMetrics(m *observability.Metrics) *EmissionArchive {
	a.metrics = m
	return a
}

// Compile-time interface check.
var _ storage.EmissionArchive = (*EmissionArchive)(nil)

// InsertBulk stores records, skipping timestamps already present.
// ClickHouse does not enforce keys, so existing timestamps in the batch range
// are looked up first; ReplacingMergeTree collapses any race that slips through.
func (a *EmissionArchive) InsertBulk(ctx context.Context, records []domain.EmissionRecord) (n int, err error) {
	if len(records) == 0 {
		return 0, nil
	}

	minTs, maxTs := records[0].Timestamp, records[0].Timestamp
	for _, r := range records {
		if r.Timestamp.IsZero() {
			return 0, storage.ErrInvalidInput
		}
		if r.Timestamp.Before(minTs) {
			minTs = r.Timestamp
		}
		if r.Timestamp.After(maxTs) {
			maxTs = r.Timestamp
		}
	}

	start := time.Now()
	defer func() {
		a.metrics.RecordDBQuery("clickhouse", "insert_emission", time.Since(start).Seconds(), err)
	}()

	existing, err := a.existingTimestamps(ctx, minTs, maxTs)
	if err != nil {
		return 0, fmt.Errorf("check existing: %w", err)
	}

	batch, err := a.conn.PrepareBatch(ctx, `INSERT INTO emission_records (ts, source, grams)`)
	if err != nil {
		return 0, fmt.Errorf("prepare batch: %w", err)
	}

	inserted := 0
	for _, r := range records {
		key := r.Timestamp.UnixMilli()
		if _, ok := existing[key]; ok {
			continue
		}
		existing[key] = struct{}{}

		ts := r.Timestamp.UTC()
		for _, s := range domain.Sources() {
			if err := batch.Append(ts, s.String(), r.Emission[s]); err != nil {
				return 0, fmt.Errorf("append to batch: %w", err)
			}
		}
		inserted++
	}

	if inserted == 0 {
		return 0, batch.Abort()
	}
	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("send batch: %w", err)
	}
	return inserted, nil
}

// GetByTimeRange retrieves records within [start, end] (inclusive), ordered by ts ASC.
func (a *EmissionArchive) GetByTimeRange(ctx context.Context, start, end time.Time) ([]domain.EmissionRecord, error) {
	if err := storage.ValidateRange(start, end); err != nil {
		return nil, err
	}

	query := `
		SELECT ts, source, grams
		FROM emission_records FINAL
		WHERE ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`

	rows, err := a.conn.Query(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanEmissionRecords(rows)
}

// Latest returns the newest record. Returns ErrNotFound if the archive is empty.
func (a *EmissionArchive) Latest(ctx context.Context) (domain.EmissionRecord, error) {
	query := `
		SELECT ts, source, grams
		FROM emission_records FINAL
		WHERE ts = (SELECT max(ts) FROM emission_records)
	`

	rows, err := a.conn.Query(ctx, query)
	if err != nil {
		return domain.EmissionRecord{}, fmt.Errorf("query latest: %w", err)
	}
	defer rows.Close()

	records, err := scanEmissionRecords(rows)
	if err != nil {
		return domain.EmissionRecord{}, err
	}
	if len(records) == 0 {
		return domain.EmissionRecord{}, storage.ErrNotFound
	}
	return records[len(records)-1], nil
}

// Count returns the number of distinct archived timestamps.
func (a *EmissionArchive) Count(ctx context.Context) (int64, error) {
	var n uint64
	if err := a.conn.QueryRow(ctx, `SELECT uniqExact(ts) FROM emission_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count emission records: %w", err)
	}
	return int64(n), nil
}

func (a *EmissionArchive) existingTimestamps(ctx context.Context, start, end time.Time) (map[int64]struct{}, error) {
	rows, err := a.conn.Query(ctx, `
		SELECT DISTINCT ts FROM emission_records
		WHERE ts >= ? AND ts <= ?
	`, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[int64]struct{})
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		seen[ts.UnixMilli()] = struct{}{}
	}
	return seen, rows.Err()
}

// scanEmissionRecords pivots (ts, source, grams) rows back into records.
// Rows must arrive ordered by ts.
func scanEmissionRecords(rows chRows) ([]domain.EmissionRecord, error) {
	var records []domain.EmissionRecord

	for rows.Next() {
		var (
			ts     time.Time
			source string
			grams  float64
		)
		if err := rows.Scan(&ts, &source, &grams); err != nil {
			return nil, fmt.Errorf("scan emission row: %w", err)
		}

		s, err := domain.ParseSource(source)
		if err != nil {
			return nil, fmt.Errorf("scan emission row: %w", err)
		}

		ts = ts.UTC()
		if n := len(records); n == 0 || !records[n-1].Timestamp.Equal(ts) {
			records = append(records, domain.EmissionRecord{Timestamp: ts})
		}
		records[len(records)-1].Emission[s] = grams
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate emission rows: %w", err)
	}
	return records, nil
}
