package catalog

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/route-beacon/tablesink/internal/metrics"
	"go.uber.org/zap"
)

// migrationLockKey guards concurrent catalog schema migrations across
// instances. Derived from a stable name rather than hardcoded so the
// key survives renames of this package.
func migrationLockKey() int64 {
	h := fnv.New64a()
	h.Write([]byte("tablesink.catalog.migrations"))
	return int64(h.Sum64())
}

// NewPGPool opens the connection pool the Postgres catalog backend runs
// on and verifies connectivity before handing it out.
func NewPGPool(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: parsing postgres dsn: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.ConnConfig.RuntimeParams["application_name"] = "tablesinkd-catalog"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog: pinging postgres: %w", err)
	}
	return pool, nil
}

type migrationFile struct {
	version int
	file    string
}

// listMigrations finds NNNN_description.sql files in dir, ordered by
// version. Files that don't match the naming scheme are ignored.
func listMigrations(dir string) ([]migrationFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading migrations dir %s: %w", dir, err)
	}

	var out []migrationFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		out = append(out, migrationFile{version: v, file: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Migrate brings the catalog schema up to date from the .sql files in
// dir. Applied versions are recorded in catalog_migrations; a session
// advisory lock keeps concurrent instances from racing each other, and
// each migration runs in its own transaction together with its ledger
// row.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dir string, logger *zap.Logger) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("catalog: acquiring migration connection: %w", err)
	}
	defer conn.Release()

	lock := migrationLockKey()
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", lock); err != nil {
		return fmt.Errorf("catalog: taking migration lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", lock)

	if _, err := conn.Exec(ctx, `
CREATE TABLE IF NOT EXISTS catalog_migrations (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return fmt.Errorf("catalog: ensuring migration ledger: %w", err)
	}

	migrations, err := listMigrations(dir)
	if err != nil {
		return err
	}

	applied := make(map[int]bool)
	rows, err := conn.Query(ctx, "SELECT version FROM catalog_migrations")
	if err != nil {
		return fmt.Errorf("catalog: querying migration ledger: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("catalog: scanning migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("catalog: iterating migration ledger: %w", err)
	}

	for _, m := range migrations {
		if applied[m.version] {
			logger.Debug("catalog migration already applied", zap.Int("version", m.version))
			continue
		}

		stmt, err := os.ReadFile(filepath.Join(dir, m.file))
		if err != nil {
			return fmt.Errorf("catalog: reading migration %s: %w", m.file, err)
		}

		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("catalog: beginning migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, string(stmt)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("catalog: applying migration %d (%s): %w", m.version, m.file, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO catalog_migrations (version) VALUES ($1)", m.version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("catalog: recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("catalog: committing migration %d: %w", m.version, err)
		}

		metrics.CatalogMigrationsAppliedTotal.WithLabelValues(strconv.Itoa(m.version)).Inc()
		logger.Info("catalog migration applied", zap.Int("version", m.version), zap.String("file", m.file))
	}

	return nil
}
