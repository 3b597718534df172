package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/johnswift/contentbridge/internal/config"
	"github.com/johnswift/contentbridge/internal/files"
	"github.com/johnswift/contentbridge/internal/httpapi"
	"github.com/johnswift/contentbridge/internal/jobs"
	"github.com/johnswift/contentbridge/internal/mcp"
	"github.com/johnswift/contentbridge/internal/objstore"
	"github.com/johnswift/contentbridge/internal/process"
	"github.com/johnswift/contentbridge/internal/sweeper"
	"github.com/johnswift/contentbridge/internal/transfer"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		addr  string
		stdio bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the asynchronous job server (HTTP and/or stdio tools)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.HTTP.Addr = addr
			}
			if cfg.HTTP.Addr == "" && !stdio {
				return errors.New("nothing to serve: set an HTTP address or --stdio")
			}
			return serve(cmd.Context(), cfg, stdio)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (empty disables HTTP)")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve migration tools as JSON-RPC on stdin/stdout")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, stdio bool) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log

	fm, err := files.New(cfg.FileOptions(log))
	if err != nil {
		return err
	}
	defer fm.Shutdown()

	var statuses jobs.StatusStore
	if cfg.Jobs.StatusDB != "" {
		sqlite, err := jobs.OpenSQLite(ctx, cfg.Jobs.StatusDB)
		if err != nil {
			return err
		}
		defer sqlite.Close()
		statuses = sqlite
	}

	var opts []jobs.Option
	if cfg.ObjectStore.Enabled() {
		ms, err := objstore.NewMinioStore(cfg.ObjectStore)
		if err != nil {
			return err
		}
		opts = append(opts, jobs.WithMirror(objstore.NewMirror(ms, cfg.ObjectStore.Bucket, cfg.ObjectStore.URLExpiry, log)))
	}
	tracker := jobs.NewTracker(statuses, log, opts...)
	defer tracker.Close()

	launcher := process.NewLauncher(tracker, fm, transfer.NewService(a.store, log), cfg.Parameters(), log)

	sw := sweeper.NewSweeper(log,
		sweeper.Task{Name: "expired files", Run: func(context.Context) (int, error) {
			return fm.CleanupExpiredFiles()
		}},
		sweeper.Task{Name: "finished processes", Run: func(ctx context.Context) (int, error) {
			return tracker.Prune(ctx, cfg.Jobs.Retention)
		}},
	)
	sw.Start(ctx, cfg.Storage.SweepInterval)
	defer sw.Stop()

	eg, egCtx := errgroup.WithContext(ctx)
	if cfg.HTTP.Addr != "" {
		api := httpapi.New(launcher, httpapi.Options{
			ForwardedHeaders: cfg.HTTP.ForwardedHeaders,
			MaxUploadBytes:   cfg.HTTP.MaxUploadBytes,
			Logger:           log,
		})
		eg.Go(func() error { return api.ListenAndServe(egCtx, cfg.HTTP.Addr) })
	}
	if stdio {
		srv := mcp.NewServer("contentbridge", version, log)
		mcp.NewMigrationHandlers(launcher).Register(srv)
		eg.Go(func() error {
			// Run blocks in a read on stdin, so shutdown does not wait for it.
			errc := make(chan error, 1)
			go func() { errc <- srv.Run(egCtx) }()
			select {
			case err := <-errc:
				return err
			case <-egCtx.Done():
				return nil
			}
		})
	}

	log.Info("contentbridge serving",
		zap.String("version", version),
		zap.String("http", cfg.HTTP.Addr),
		zap.Bool("stdio", stdio),
		zap.String("storage", fm.BaseDir()),
		zap.Bool("mirror", cfg.ObjectStore.Enabled()))
	err = eg.Wait()
	log.Info("contentbridge shutting down")
	return err
}
