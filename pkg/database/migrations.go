package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one numbered schema step, loaded from migrations/NNN_name.sql
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// initMigrations ensures the schema_migrations table exists
func initMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	return err
}

// getCurrentVersion returns the highest applied schema version, 0 for a
// fresh database
func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// parseMigrationName splits "002_presence_log.sql" into 2 and "presence_log"
func parseMigrationName(file string) (int, string, error) {
	base := strings.TrimSuffix(path.Base(file), ".sql")
	num, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("migration %s: want NNN_name.sql", file)
	}
	version, err := strconv.Atoi(num)
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("migration %s: bad version %q", file, num)
	}
	return version, name, nil
}

// loadMigrations reads the embedded migrations in version order
func loadMigrations() ([]Migration, error) {
	files, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	migrations := make([]Migration, 0, len(files))
	for _, file := range files {
		version, name, err := parseMigrationName(file)
		if err != nil {
			return nil, err
		}
		content, err := migrationFiles.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", file, err)
		}
		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	if err := checkSequence(migrations); err != nil {
		return nil, err
	}
	return migrations, nil
}

// checkSequence requires versions 1..N with no gaps or duplicates. migrations
// must be sorted.
func checkSequence(migrations []Migration) error {
	for i, m := range migrations {
		if want := i + 1; m.Version != want {
			return fmt.Errorf("migration %d (%s) found where %d was expected", m.Version, m.Name, want)
		}
	}
	return nil
}

// backupDatabase writes a consistent copy of the live database next to it
// with VACUUM INTO. Fresh and in-memory databases are skipped.
func backupDatabase(db *sql.DB, dbPath string, currentVersion int) error {
	if dbPath == "" || dbPath == ":memory:" || currentVersion == 0 {
		return nil
	}

	backupPath := fmt.Sprintf("%s.backup-v%d-%s", dbPath, currentVersion, time.Now().Format("20060102-150405"))
	if _, err := os.Stat(backupPath); err == nil {
		return fmt.Errorf("backup %s already exists", backupPath)
	}
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}

	log.Printf("Created database backup: %s", filepath.Base(backupPath))
	return nil
}

// runMigrations brings the schema up to the newest embedded version and
// returns the versions it applied
func runMigrations(db *sql.DB, dbPath string) ([]int, error) {
	if err := initMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	latest := 0
	if len(migrations) > 0 {
		latest = migrations[len(migrations)-1].Version
	}

	current, err := getCurrentVersion(db)
	if err != nil {
		return nil, fmt.Errorf("failed to get current version: %w", err)
	}
	if current > latest {
		return nil, fmt.Errorf("database schema v%d is newer than this build (v%d)", current, latest)
	}
	if current == latest {
		debugLog.Printf("Database is up to date (version %d)", current)
		return nil, nil
	}

	if err := backupDatabase(db, dbPath, current); err != nil {
		return nil, err
	}

	var applied []int
	for _, m := range migrations[current:] {
		if err := applyMigration(db, m); err != nil {
			return applied, fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		debugLog.Printf("Applied migration %d: %s", m.Version, m.Name)
		applied = append(applied, m.Version)
	}
	return applied, nil
}

// applyMigration runs m and records it in one transaction
func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Name, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}
