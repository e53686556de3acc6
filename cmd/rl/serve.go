package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"reportline/internal/blobstore"
	"reportline/internal/consumer"
	"reportline/internal/db"
	"reportline/internal/engine"
	"reportline/internal/ingest"
	"reportline/internal/migrate"
	"reportline/internal/reaper"
	"reportline/internal/server"
	"reportline/internal/telemetry"
	"reportline/internal/transport"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the consumers, the reaper and the ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := slog.Default()
			workspace := viper.GetString("workspace")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}

			if err := telemetry.Init(ctx, telemetry.Options{
				Enabled:     cfg.Telemetry.Enabled,
				Stdout:      cfg.Telemetry.Stdout,
				ServiceName: "reportline",
				Version:     version,
			}); err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				telemetry.Shutdown(sctx)
			}()

			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			natsURL := cfg.NATS.URL
			if cfg.NATS.Embedded {
				ns, err := transport.StartEmbedded(workspacePath(workspace, cfg.NATS.StoreDir), cfg.NATS.Port)
				if err != nil {
					return err
				}
				defer ns.Shutdown()
				natsURL = ns.URL()
				log.Info("embedded NATS started", "url", natsURL)
			}
			bus, err := transport.Connect(ctx, natsURL, "reportline", log)
			if err != nil {
				return err
			}
			defer bus.Close()

			blobs, err := blobstore.NewFS(workspacePath(workspace, cfg.Blobstore.Root), cfg.Blobstore.Compress)
			if err != nil {
				return err
			}
			eng := engine.New(conn, cfg)
			eng.Logger = log
			metrics := telemetry.NewPipeline()
			ing := ingest.Ingester{Repo: eng.Repo, Blobs: blobs, Events: eng.Events, Logger: log}
			disp := consumer.New(eng, ing, bus, cfg, log, metrics)
			rp := reaper.Reaper{
				Engine:   eng,
				Repo:     eng.Repo,
				Workers:  cfg.Reaper.Workers,
				Interval: cfg.Reaper.Interval,
				Logger:   log,
				Metrics:  metrics,
			}

			authCfg := server.AuthConfig{JWTSecret: jwtSecret(cfg), Logger: log}
			if authCfg.JWTSecret == "" {
				authCfg.Disabled = true
				log.Warn("no JWT secret configured; ops API is unauthenticated")
			}
			handler, err := server.New(server.Config{
				Engine:      eng,
				DeadLetters: transport.DeadLetters{JS: bus.JS},
				Publisher:   bus,
				Reaper:      rp,
				BasePath:    cfg.Server.BasePath,
				Auth:        authCfg,
				Logger:      log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return disp.Run(gctx, bus) })
			if cfg.Reaper.Enabled {
				g.Go(func() error {
					rp.Run(gctx)
					return nil
				})
			}
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			g.Go(func() error {
				fmt.Printf("Serving Reportline ops API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
					cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}
