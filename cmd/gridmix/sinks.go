package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"gridmix/internal/api"
	"gridmix/internal/config"
	"gridmix/internal/observability"
	"gridmix/internal/publish"
	"gridmix/internal/refresh"
	"gridmix/internal/storage"
	chstore "gridmix/internal/storage/clickhouse"
	"gridmix/internal/storage/memory"
	"gridmix/internal/storage/migrations"
	pgstore "gridmix/internal/storage/postgres"
)

// sinkSet holds the configured sinks and the connections behind them.
type sinkSet struct {
	list    []refresh.Sink
	closers []func()

	// Archives written by the archive sink, nil when not configured.
	energy    storage.EnergyArchive
	emissions storage.EmissionArchive

	// Snapshot cache read by the API, nil when redis is not configured.
	cache api.SnapshotCache
}

func (s *sinkSet) add(sink refresh.Sink, closer func()) {
	s.list = append(s.list, sink)
	if closer != nil {
		s.closers = append(s.closers, closer)
	}
}

// Close releases connections in reverse order of creation.
func (s *sinkSet) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildSinks connects every sink that has a configured address. Databases are
// migrated before use. With useMemory, archives without a DSN fall back to
// in-memory stores. Any connection failure is a startup error.
func buildSinks(ctx context.Context, cfg *config.Config, logger zerolog.Logger, useMemory bool) (*sinkSet, error) {
	set := &sinkSet{}
	metrics := observability.DefaultMetrics

	fail := func(err error) (*sinkSet, error) {
		set.Close()
		return nil, err
	}

	if cfg.Postgres.DSN != "" {
		pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fail(fmt.Errorf("connect to postgres: %w", err))
		}
		set.closers = append(set.closers, pool.Close)

		applied, err := migrations.RunPostgresMigrations(ctx, pool)
		if err != nil {
			return fail(err)
		}
		logger.Info().Strs("applied", applied).Msg("postgres migrations applied")
		set.energy = pgstore.NewEnergyArchive(pool).WithMetrics(metrics)
	} else if useMemory {
		set.energy = memory.NewEnergyArchive()
	}

	if cfg.ClickHouse.DSN != "" {
		conn, applied, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			return fail(err)
		}
		set.closers = append(set.closers, func() { conn.Close() })

		logger.Info().Strs("applied", applied).Msg("clickhouse migrations applied")
		set.emissions = chstore.NewEmissionArchive(conn).WithMetrics(metrics)
	} else if useMemory {
		set.emissions = memory.NewEmissionArchive()
	}

	if set.energy != nil || set.emissions != nil {
		set.add(refresh.NewArchiveSink("archive", set.energy, set.emissions), nil)
	}

	if cfg.Redis.Addr != "" {
		client, err := publish.NewRedisClient(ctx, cfg.Redis.Addr)
		if err != nil {
			return fail(err)
		}
		cache := publish.NewSnapshotCache(client, cfg.Redis.Key, cfg.Redis.History)
		set.cache = cache
		set.add(cache, func() { client.Close() })
	}

	if cfg.NATS.URL != "" {
		pub, err := publish.NewEventPublisher(publish.NATSConfig{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
		})
		if err != nil {
			return fail(err)
		}
		set.add(pub, func() { pub.Close() })
	}

	names := make([]string, 0, len(set.list))
	for _, s := range set.list {
		names = append(names, s.Name())
	}
	logger.Info().Strs("sinks", names).Msg("sinks configured")
	return set, nil
}

func migratePostgres(ctx context.Context, dsn string, logger zerolog.Logger) error {
	pool, err := pgstore.NewPool(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	applied, err := migrations.RunPostgresMigrations(ctx, pool)
	if err != nil {
		return err
	}

	archive := pgstore.NewEnergyArchive(pool)
	return reportArchive(ctx, logger.With().Str("database", "postgres").Logger(), applied, archive.Count, func(ctx context.Context) (string, error) {
		rec, err := archive.Latest(ctx)
		return rec.Timestamp.String(), err
	})
}

func migrateClickhouse(ctx context.Context, dsn string, logger zerolog.Logger) error {
	conn, applied, err := migrations.RunClickhouseMigrations(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close()

	archive := chstore.NewEmissionArchive(conn)
	return reportArchive(ctx, logger.With().Str("database", "clickhouse").Logger(), applied, archive.Count, func(ctx context.Context) (string, error) {
		rec, err := archive.Latest(ctx)
		return rec.Timestamp.String(), err
	})
}

func reportArchive(
	ctx context.Context,
	logger zerolog.Logger,
	applied []string,
	count func(context.Context) (int64, error),
	latest func(context.Context) (string, error),
) error {
	n, err := count(ctx)
	if err != nil {
		return fmt.Errorf("count archive: %w", err)
	}

	ts, err := latest(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("latest archive record: %w", err)
	}

	event := logger.Info().Strs("applied", applied).Int64("records", n)
	if err == nil {
		event = event.Str("latest", ts)
	}
	event.Msg("migrations applied")
	return nil
}
