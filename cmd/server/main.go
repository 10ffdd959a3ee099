package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/codepair/internal/api"
	"github.com/manpreetbhatti/codepair/internal/config"
	"github.com/manpreetbhatti/codepair/internal/db"
	"github.com/manpreetbhatti/codepair/internal/logging"
	"github.com/manpreetbhatti/codepair/internal/ratelimit"
	"github.com/manpreetbhatti/codepair/internal/relay"
	"github.com/manpreetbhatti/codepair/internal/snapshot"
	"github.com/manpreetbhatti/codepair/internal/state"
	"github.com/manpreetbhatti/codepair/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "codepair",
		Short:        "Real-time collaborative code rooms",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cfg, loadErr := config.Load(".env")

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return loadErr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	if loadErr != nil {
		cfg = config.Default()
	}
	cfg.BindFlags(cmd)
	return cmd
}

// backends holds whichever shared-state implementations the config selects.
type backends struct {
	store     state.Store
	frames    ratelimit.Limiter
	requests  ratelimit.Limiter
	relay     relay.Relay
	stopLocal func()
}

func openBackends(ctx context.Context, cfg config.Config, log *logrus.Logger) (*backends, error) {
	socketRate := ratelimit.Config{Window: cfg.SocketRateWindow, Threshold: cfg.SocketRateLimit}
	apiRate := ratelimit.Config{Window: cfg.APIRateWindow, Threshold: cfg.APIRateLimit}

	if cfg.RedisURL == "" {
		frames := ratelimit.NewWindow(socketRate)
		requests := ratelimit.NewWindow(apiRate)
		log.Warn("No redis URL configured, room state is local to this instance")
		return &backends{
			store:    state.NewMemoryStore(),
			frames:   frames,
			requests: requests,
			relay:    relay.Nop{},
			stopLocal: func() {
				frames.Stop()
				requests.Stop()
			},
		}, nil
	}

	client, err := state.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return &backends{
		store:     state.NewRedisStore(client, state.RedisOptions{TTL: cfg.RoomTTL}),
		frames:    ratelimit.NewRedisWindow(client, "codepair:ratelimit:frames:", socketRate),
		requests:  ratelimit.NewRedisWindow(client, "codepair:ratelimit:api:", apiRate),
		relay:     relay.NewRedis(client, "", cfg.InstanceID, logging.Component(log, "relay")),
		stopLocal: func() {},
	}, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	log := logging.Component(logger, "main")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open backends: %w", err)
	}
	defer b.stopLocal()

	store := state.NewResilient(b.store, state.ResilientOptions{
		Retries:    cfg.StoreRetries,
		RetryDelay: cfg.StoreRetryDelay,
	}, logging.Component(logger, "store"))
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	database, err := db.New(cfg.DBPath, logging.Component(logger, "db"))
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer database.Close()

	server := ws.NewServer(ws.Options{
		Capacity:       cfg.RoomCapacity,
		FlushInterval:  cfg.FlushInterval,
		AllowedOrigins: cfg.AllowedOrigins,
	}, store, b.frames, b.relay, nil, logging.Component(logger, "ws"))
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}

	snapshots := snapshot.New(database, store, snapshot.Config{Interval: cfg.SnapshotInterval}, logging.Component(logger, "snapshot"))
	snapshots.Start()

	apiHandler := api.New(store, database, server, b.requests, cfg.RoomCapacity, logging.Component(logger, "api"))
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           apiHandler.Router(cfg.AllowedOrigins, cfg.TrustProxy),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithFields(logrus.Fields{
		"addr":     cfg.Addr,
		"instance": cfg.InstanceID,
		"db":       cfg.DBPath,
		"shared":   cfg.RedisURL != "",
		"capacity": cfg.RoomCapacity,
		"proxy":    cfg.TrustProxy,
	}).Info("Codepair server starting")
	log.Info("Endpoints:")
	log.Info("  - WebSocket: /ws")
	log.Info("  - Health:    GET /health")
	log.Info("  - Stats:     GET /api/stats")
	log.Info("  - Rooms:     GET/POST /api/rooms")
	log.Info("  - Room:      GET/DELETE /api/rooms/{id}")
	log.Info("  - Join:      POST /api/rooms/{id}/join")
	log.Info("  - Language:  PUT /api/rooms/{id}/language")

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Sync server shutdown incomplete")
	}
	// After the sync server so the final snapshot sees flushed buffers.
	snapshots.Stop()

	log.Info("Server stopped")
	return runErr
}
