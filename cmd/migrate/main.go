package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found")
	}

	flags := pflag.NewFlagSet("migrate", pflag.ExitOnError)
	dir := flags.String("dir", "", "migrations directory (searched upwards from the working directory by default)")
	steps := flags.Int("steps", 0, "apply only n migrations (negative rolls back)")
	_ = flags.Parse(os.Args[1:])

	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		logger.Fatal("DB_URL environment variable is required")
	}

	migrationsPath := *dir
	if migrationsPath == "" {
		var err error
		if migrationsPath, err = findMigrations(); err != nil {
			logger.Fatal("locate migrations", zap.Error(err))
		}
	}
	absMigrationsPath, err := filepath.Abs(migrationsPath)
	if err != nil {
		logger.Fatal("resolve migrations path", zap.Error(err))
	}

	m, err := migrate.New("file://"+absMigrationsPath, dbURL)
	if err != nil {
		logger.Fatal("open migrations", zap.Error(err))
	}
	defer func() { _, _ = m.Close() }()

	cmd := "up"
	if flags.NArg() > 0 {
		cmd = flags.Arg(0)
	}

	switch {
	case *steps != 0:
		err = m.Steps(*steps)
	case cmd == "up":
		err = m.Up()
	case cmd == "down":
		err = m.Down()
	case cmd == "version":
		version, dirty, verr := m.Version()
		if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
			logger.Fatal("read version", zap.Error(verr))
		}
		logger.Info("schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
		return
	default:
		logger.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal("migration failed", zap.String("command", cmd), zap.Error(err))
	}
	logger.Info("migration successful", zap.String("command", cmd), zap.String("path", absMigrationsPath))
}

func findMigrations() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	candidates := []string{}
	current := cwd
	for i := 0; i < 6; i++ {
		candidates = append(candidates, filepath.Join(current, "migrations"))
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	if exePath, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exePath)
		candidates = append(candidates,
			filepath.Join(exeDir, "migrations"),
			filepath.Join(exeDir, "..", "migrations"),
		)
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("migrations directory not found from %s", cwd)
}
