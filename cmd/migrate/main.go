package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"wallet/internal/config"
	"wallet/internal/db"
	"wallet/internal/logging"
)

func main() {
	dir := flag.String("dir", "migrations", "directory containing *.sql migration files")
	flag.Parse()
	direction := flag.Arg(0)
	if direction == "" {
		direction = "up"
	}

	cfg := config.Load()
	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}
	defer database.Close()

	if _, err := database.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (filename text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT NOW())`); err != nil {
		logger.Fatal("failed to ensure schema_migrations", zap.Error(err))
	}

	switch direction {
	case "up":
		if err := migrateUp(database, logger, *dir); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	case "down":
		if err := migrateDown(database, logger, *dir); err != nil {
			logger.Fatal("rollback failed", zap.Error(err))
		}
	default:
		logger.Fatal("unknown direction, want up or down", zap.String("direction", direction))
	}
}

func migrateUp(database *sqlx.DB, logger *zap.Logger, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, file := range files {
		filename := filepath.Base(file)
		var applied bool
		if err := database.Get(&applied, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, filename); err != nil {
			return fmt.Errorf("reading migration state: %w", err)
		}
		if applied {
			continue
		}
		up, _, err := readSections(file)
		if err != nil {
			return err
		}
		if err := applyInTx(database, up, func(tx *sqlx.Tx) error {
			_, err := tx.Exec(`INSERT INTO schema_migrations (filename) VALUES ($1)`, filename)
			return err
		}); err != nil {
			return fmt.Errorf("applying %s: %w", filename, err)
		}
		logger.Info("applied migration", zap.String("file", filename))
	}
	return nil
}

// migrateDown reverts only the most recently applied migration.
func migrateDown(database *sqlx.DB, logger *zap.Logger, dir string) error {
	var filename string
	if err := database.Get(&filename, `SELECT filename FROM schema_migrations ORDER BY applied_at DESC, filename DESC LIMIT 1`); err != nil {
		return fmt.Errorf("no applied migrations: %w", err)
	}
	_, down, err := readSections(filepath.Join(dir, filename))
	if err != nil {
		return err
	}
	if strings.TrimSpace(down) == "" {
		return fmt.Errorf("%s has no down section", filename)
	}
	if err := applyInTx(database, down, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`DELETE FROM schema_migrations WHERE filename = $1`, filename)
		return err
	}); err != nil {
		return fmt.Errorf("reverting %s: %w", filename, err)
	}
	logger.Info("reverted migration", zap.String("file", filename))
	return nil
}

func applyInTx(database *sqlx.DB, script string, record func(*sqlx.Tx) error) error {
	tx, err := database.Beginx()
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(script) {
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := record(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// readSections splits a migration file on the "-- +migrate Down" marker.
func readSections(path string) (up, down string, err error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(content), "-- +migrate Down", 2)
	up = parts[0]
	if len(parts) == 2 {
		down = parts[1]
	}
	return up, down, nil
}

// splitStatements breaks a script on semicolons at line ends. Good enough for
// the DDL in migrations/; none of it defines functions or uses dollar quoting.
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(script))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		current.WriteString(line)
		current.WriteRune('\n')
		if strings.HasSuffix(strings.TrimRight(line, " \t"), ";") {
			statements = append(statements, current.String())
			current.Reset()
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		statements = append(statements, current.String())
	}
	return statements
}
