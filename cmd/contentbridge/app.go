package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/johnswift/contentbridge/internal/config"
	"github.com/johnswift/contentbridge/internal/db"
	"github.com/johnswift/contentbridge/internal/repo"
	"github.com/johnswift/contentbridge/internal/repo/postgres"
)

// app holds what every command needs: configuration, logger and repository.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store repo.ContentWriter
	close func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log, err := cfg.Logger()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	store, closeStore, err := openRepository(ctx, cfg.Repository, log)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return &app{
		cfg:   cfg,
		log:   log,
		store: store,
		close: func() {
			closeStore()
			_ = log.Sync()
		},
	}, nil
}

func (a *app) Close() { a.close() }

func openRepository(ctx context.Context, rc config.RepositoryConfig, log *zap.Logger) (repo.ContentWriter, func(), error) {
	switch rc.Driver {
	case config.DriverPostgres:
		database, err := db.New(ctx, rc.DatabaseURL, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to repository: %w", err)
		}
		log.Info("running repository migrations")
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		return postgres.NewStore(database.Pool()), database.Close, nil
	default:
		store := repo.NewMemoryStore()
		if rc.SeedFile != "" {
			f, err := os.Open(rc.SeedFile)
			if err != nil {
				return nil, nil, fmt.Errorf("open seed: %w", err)
			}
			defer f.Close()
			if err := store.LoadSeed(ctx, f); err != nil {
				return nil, nil, fmt.Errorf("load seed %s: %w", rc.SeedFile, err)
			}
		}
		log.Info("using in-memory repository", zap.String("seed", rc.SeedFile))
		return store, func() {}, nil
	}
}
