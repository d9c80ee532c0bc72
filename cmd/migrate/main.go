package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samirrijal/proximity/internal/adapters/postgres"
	"github.com/samirrijal/proximity/internal/pkg/config"
	"github.com/samirrijal/proximity/internal/pkg/logging"
)

const migrationsDir = "migrations"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|down>")
		os.Exit(2)
	}

	cfg, err := config.Load("proximity-migrate")
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	log := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx := context.Background()
	db, err := postgres.New(ctx, cfg.Database.DSN(), 1)
	if err != nil {
		log.Error("database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var files []string
	switch os.Args[1] {
	case "up":
		files, err = upFiles(migrationsDir)
	case "down":
		files, err = downFiles(migrationsDir)
	default:
		log.Error("unknown command", "command", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		log.Error("list migrations", "error", err)
		os.Exit(1)
	}

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			log.Error("read migration", "file", f, "error", err)
			os.Exit(1)
		}
		if _, err := db.Pool.Exec(ctx, string(data)); err != nil {
			log.Error("exec migration", "file", f, "error", err)
			os.Exit(1)
		}
		log.Info("migration applied", "file", f)
	}
	log.Info("all migrations applied", "direction", os.Args[1], "count", len(files))
}

// upFiles lists forward migrations in name order.
func upFiles(dir string) ([]string, error) {
	all, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	var files []string
	for _, f := range all {
		if !strings.HasSuffix(f, ".down.sql") {
			files = append(files, f)
		}
	}
	sort.Strings(files)
	return files, nil
}

// downFiles lists rollback migrations in reverse name order.
func downFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.down.sql"))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}
