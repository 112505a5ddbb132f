package migrations

import (
	"context"
	"fmt"

	"gridmix/internal/storage/postgres"
)

// RunPostgresMigrations applies all embedded SQL files in lexical order and
// returns the names it applied. Every migration uses IF NOT EXISTS, so it is
// safe to run on each start.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) ([]string, error) {
	files, err := loadFiles(PostgresFS, "postgres")
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := pool.Exec(ctx, f.SQL); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", f.Name, err)
		}
		applied = append(applied, f.Name)
	}
	return applied, nil
}
