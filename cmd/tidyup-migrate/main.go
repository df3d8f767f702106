// Package main applies the control plane's PostgreSQL schema.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/MacJediWizard/tidyup/internal/db"
	"github.com/rs/zerolog"
)

func main() {
	var (
		dbURL   = flag.String("db", "", "Database URL (or set DATABASE_URL env var)")
		showVer = flag.Bool("version", false, "Show current schema version")
		list    = flag.Bool("list", false, "List migrations, with applied status when a database is given")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Str("component", "migrate").
		Logger()

	url := *dbURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		if *list {
			if err := listEmbedded(); err != nil {
				logger.Fatal().Err(err).Msg("failed to list migrations")
			}
			return
		}
		logger.Fatal().Msg("database URL required: use -db flag or set DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfg := db.DefaultConfig(url)
	cfg.ApplicationName = "tidyup-migrate"
	cfg.MaxConns = 2
	cfg.MinConns = 1

	database, err := db.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	switch {
	case *list:
		statuses, err := database.Migrations(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to read migration status")
		}
		for _, s := range statuses {
			state := "pending"
			if !s.Pending() {
				state = s.AppliedAt.Local().Format(time.RFC3339)
			}
			fmt.Printf("%03d  %-32s %s\n", s.Version, s.Name, state)
		}
		return
	case *showVer:
		version, err := database.CurrentVersion(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to read schema version")
		}
		fmt.Printf("Current schema version: %d\n", version)
		return
	}

	before, err := database.CurrentVersion(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read schema version")
	}
	if err := database.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	after, err := database.CurrentVersion(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read schema version")
	}
	logger.Info().Int("from", before).Int("to", after).Msg("registry schema up to date")
}

func listEmbedded() error {
	migrations, err := db.GetMigrations()
	if err != nil {
		return err
	}
	if len(migrations) == 0 {
		fmt.Println("No migrations found")
		return nil
	}
	for _, m := range migrations {
		fmt.Printf("%03d  %-32s %s\n", m.Version, m.Name, m.Checksum[:12])
	}
	return nil
}
