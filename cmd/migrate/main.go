package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/premail/premail/internal/config"
	"github.com/premail/premail/internal/database"
	"github.com/premail/premail/internal/logger"
)

var migrationsDir string

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the premail PostgreSQL schema (emails, credentials, events)",
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE:  runUp,
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE:  runDown,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the applied version and any pending migrations",
	RunE:  runStatus,
}

var createCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create the next numbered up/down migration pair",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

func init() {
	dir := os.Getenv("PREMAIL_MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "dir", dir, "migrations directory (env PREMAIL_MIGRATIONS_DIR)")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(createCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getMigrator() (*migrate.Migrate, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	abs, err := filepath.Abs(migrationsDir)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to resolve migrations directory: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+filepath.ToSlash(abs), "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, func() { m.Close() }, nil
}

func runUp(cmd *cobra.Command, args []string) error {
	log := logger.New("info", "text")

	m, closeFn, err := getMigrator()
	if err != nil {
		return err
	}
	defer closeFn()

	log.Info().Str("dir", migrationsDir).Msg("applying migrations")
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Msg("schema already up to date")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	version, _, _ := m.Version()
	log.Info().Uint("version", version).Msg("migrations applied")
	return nil
}

func runDown(cmd *cobra.Command, args []string) error {
	log := logger.New("info", "text")

	m, closeFn, err := getMigrator()
	if err != nil {
		return err
	}
	defer closeFn()

	from, _, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		log.Info().Msg("nothing to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}

	if err := m.Steps(-1); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	log.Info().Uint("from", from).Msg("rolled back one migration")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	onDisk, err := listMigrations(migrationsDir)
	if err != nil {
		return err
	}

	m, closeFn, err := getMigrator()
	if err != nil {
		return err
	}
	defer closeFn()

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Println("Applied version: none")
	case err != nil:
		return fmt.Errorf("failed to get version: %w", err)
	default:
		fmt.Printf("Applied version: %06d\n", version)
	}
	if dirty {
		fmt.Println("Dirty: yes (a migration failed part way; fix the schema and force the version)")
	}

	todo := pending(onDisk, version)
	if len(todo) == 0 {
		fmt.Println("Pending: none")
		return nil
	}
	fmt.Printf("Pending: %d\n", len(todo))
	for _, p := range todo {
		fmt.Printf("  %06d %s\n", p.Version, p.Name)
	}
	return nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	upFile, downFile, err := createMigration(migrationsDir, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Created migration files:\n  %s\n  %s\n", upFile, downFile)
	return nil
}
