// migrate applies the SQL files in scripts/migrations to the history
// database. Applied versions are tracked in a schema_migrations table; each
// file runs in its own transaction behind a dirty marker, so a half-applied
// migration is visible in status output and can be resolved with force.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationsTable = "schema_migrations"

var migrationFile = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

type migration struct {
	version  int
	name     string
	upPath   string
	downPath string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	databaseURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	dir := flag.String("migrations-path", "scripts/migrations", "Path to migrations directory")
	flag.Usage = usage
	flag.Parse()

	if *databaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable or --database-url flag is required")
	}
	if flag.NArg() < 1 {
		usage()
		return fmt.Errorf("missing command")
	}

	migrations, err := loadMigrations(*dir)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	if err := ensureTable(ctx, pool); err != nil {
		return fmt.Errorf("failed to ensure migrations table: %w", err)
	}

	switch command := flag.Arg(0); command {
	case "up":
		return migrateUp(ctx, pool, migrations)
	case "down":
		steps := 1
		if flag.NArg() > 1 {
			steps, err = strconv.Atoi(flag.Arg(1))
			if err != nil || steps < 1 {
				return fmt.Errorf("invalid number of steps %q", flag.Arg(1))
			}
		}
		return migrateDown(ctx, pool, migrations, steps)
	case "status":
		return status(ctx, pool, migrations)
	case "version":
		version, err := currentVersion(ctx, pool)
		if err != nil {
			return err
		}
		fmt.Printf("Current migration version: %d\n", version)
		return nil
	case "force":
		if flag.NArg() < 2 {
			return fmt.Errorf("usage: migrate force <version>")
		}
		version, err := strconv.Atoi(flag.Arg(1))
		if err != nil || version < 0 {
			return fmt.Errorf("invalid version %q", flag.Arg(1))
		}
		return force(ctx, pool, version)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: migrate [options] <command> [args]

Commands:
  up             Apply all pending migrations
  down [n]       Roll back n migrations (default 1)
  status         Show per-migration state
  version        Show the current migration version
  force <n>      Reset the version record after a failed migration

Options:
  --database-url     PostgreSQL connection URL (or set DATABASE_URL)
  --migrations-path  Migrations directory (default scripts/migrations)`)
}

func loadMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	byVersion := make(map[int]*migration)
	for _, entry := range entries {
		m := migrationFile.FindStringSubmatch(entry.Name())
		if entry.IsDir() || m == nil {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		mig := byVersion[version]
		if mig == nil {
			mig = &migration{version: version, name: m[2]}
			byVersion[version] = mig
		}
		path := filepath.Join(dir, entry.Name())
		if m[3] == "up" {
			mig.upPath = path
		} else {
			mig.downPath = path
		}
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.upPath == "" {
			return nil, fmt.Errorf("migration %d has a down file but no up file", mig.version)
		}
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

func ensureTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			dirty      BOOLEAN NOT NULL DEFAULT FALSE
		)`, migrationsTable))
	return err
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[int]bool, error) {
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT version, dirty FROM %s`, migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		var dirty bool
		if err := rows.Scan(&version, &dirty); err != nil {
			return nil, err
		}
		applied[version] = dirty
	}
	return applied, rows.Err()
}

func currentVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var version int
	query := fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s WHERE NOT dirty`, migrationsTable)
	if err := pool.QueryRow(ctx, query).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func migrateUp(ctx context.Context, pool *pgxpool.Pool, migrations []migration) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}
	for version, dirty := range applied {
		if dirty {
			return fmt.Errorf("migration %d is dirty; resolve it and run force", version)
		}
	}

	ran := 0
	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		fmt.Printf("Applying migration %d (%s)\n", m.version, m.name)
		if err := applyUp(ctx, pool, m); err != nil {
			return err
		}
		ran++
	}
	if ran == 0 {
		fmt.Println("Nothing to apply.")
	} else {
		fmt.Printf("Applied %d migration(s).\n", ran)
	}
	return nil
}

func applyUp(ctx context.Context, pool *pgxpool.Pool, m migration) error {
	sql, err := os.ReadFile(m.upPath)
	if err != nil {
		return fmt.Errorf("failed to read migration %d: %w", m.version, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// The dirty row commits with the migration itself, so a failure rolls
	// both back and a crash between statements leaves the marker visible.
	if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (version, dirty) VALUES ($1, TRUE)`, migrationsTable), m.version); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.version, err)
	}
	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("migration %d failed: %w", m.version, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET dirty = FALSE, applied_at = NOW() WHERE version = $1`, migrationsTable), m.version); err != nil {
		return fmt.Errorf("failed to finalize migration %d: %w", m.version, err)
	}
	return tx.Commit(ctx)
}

func migrateDown(ctx context.Context, pool *pgxpool.Pool, migrations []migration, steps int) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	rolledBack := 0
	for i := len(migrations) - 1; i >= 0 && rolledBack < steps; i-- {
		m := migrations[i]
		if _, ok := applied[m.version]; !ok {
			continue
		}
		if m.downPath == "" {
			return fmt.Errorf("migration %d has no down file", m.version)
		}

		sql, err := os.ReadFile(m.downPath)
		if err != nil {
			return fmt.Errorf("failed to read migration %d down file: %w", m.version, err)
		}

		fmt.Printf("Rolling back migration %d (%s)\n", m.version, m.name)
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("rollback of migration %d failed: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE version = $1`, migrationsTable), m.version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to remove migration %d record: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit rollback of migration %d: %w", m.version, err)
		}
		rolledBack++
	}

	if rolledBack == 0 {
		fmt.Println("Nothing to roll back.")
	} else {
		fmt.Printf("Rolled back %d migration(s).\n", rolledBack)
	}
	return nil
}

func status(ctx context.Context, pool *pgxpool.Pool, migrations []migration) error {
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT version, applied_at, dirty FROM %s`, migrationsTable))
	if err != nil {
		return err
	}
	defer rows.Close()

	type record struct {
		appliedAt time.Time
		dirty     bool
	}
	records := make(map[int]record)
	for rows.Next() {
		var version int
		var rec record
		if err := rows.Scan(&version, &rec.appliedAt, &rec.dirty); err != nil {
			return err
		}
		records[version] = rec
	}
	if err := rows.Err(); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, m := range migrations {
		state, appliedAt := "pending", ""
		if rec, ok := records[m.version]; ok {
			state = "applied"
			if rec.dirty {
				state = "dirty"
			}
			appliedAt = rec.appliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", m.version, m.name, state, appliedAt)
	}
	return w.Flush()
}

func force(ctx context.Context, pool *pgxpool.Pool, version int) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, migrationsTable)); err != nil {
		return fmt.Errorf("failed to clear migrations table: %w", err)
	}
	for v := 1; v <= version; v++ {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (version, dirty) VALUES ($1, FALSE)`, migrationsTable), v); err != nil {
			return fmt.Errorf("failed to record version %d: %w", v, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	fmt.Printf("Forced migration version to %d\n", version)
	return nil
}
