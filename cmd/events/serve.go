package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/alfredjeanlab/eventhub/internal/archive"
	"github.com/alfredjeanlab/eventhub/internal/bridge"
	"github.com/alfredjeanlab/eventhub/internal/config"
	"github.com/alfredjeanlab/eventhub/internal/events"
	"github.com/alfredjeanlab/eventhub/internal/idgen"
	"github.com/alfredjeanlab/eventhub/internal/presence"
	"github.com/alfredjeanlab/eventhub/internal/server"
	"github.com/alfredjeanlab/eventhub/internal/service"
	"github.com/alfredjeanlab/eventhub/internal/store"
	"github.com/alfredjeanlab/eventhub/internal/store/postgres"
	"github.com/alfredjeanlab/eventhub/internal/store/sqlite"
)

// shutdownTimeout bounds graceful shutdown of each listener.
const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the event hub server",
	GroupID: "system",
	Args:    cobra.NoArgs,
	// Override PersistentPreRunE so we don't create a client connection.
	PersistentPreRunE: noClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if embed, _ := cmd.Flags().GetBool("embed-nats"); embed {
			if cfg.NATSURL != "" {
				return fmt.Errorf("--embed-nats and HUB_NATS_URL are mutually exclusive")
			}
			cfg.NATSEmbed = true
		}

		logger := newLogger(cfg)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg, logger)
	},
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openStore(cfg *config.Config) (store.EventStore, error) {
	if cfg.UsesPostgres() {
		return postgres.New(cfg.DatabaseURL)
	}
	return sqlite.New(cfg.DatabaseURL)
}

// openBus returns the internal bus and a cleanup func. With no NATS
// configured the bus is in-process only and follow cannot attach.
func openBus(cfg *config.Config, logger *slog.Logger) (events.Bus, func(), error) {
	url := cfg.NATSURL
	var shutdown func()
	if cfg.NATSEmbed {
		ns, err := events.StartEmbeddedNATS("0.0.0.0", cfg.NATSPort)
		if err != nil {
			return nil, nil, err
		}
		url = ns.ClientURL()
		shutdown = ns.Shutdown
		logger.Info("embedded NATS started", "url", url)
	}
	if url == "" {
		logger.Info("using in-process bus (HUB_NATS_URL not set)")
		bus := events.NewMemoryBus()
		return bus, func() { bus.Close() }, nil
	}

	bus, err := events.NewNATSBus(url,
		nats.Name("eventhub-"+cfg.NodeID),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		if shutdown != nil {
			shutdown()
		}
		return nil, nil, err
	}
	logger.Info("events enabled", "nats_url", url)
	return bus, func() {
		bus.Close()
		if shutdown != nil {
			shutdown()
		}
	}, nil
}

func archiveDestinations(ctx context.Context, cfg *config.Config, logger *slog.Logger) []archive.Destination {
	var dests []archive.Destination
	if cfg.ArchiveS3Bucket != "" {
		d, err := archive.NewS3Destination(ctx, cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix, cfg.ArchiveS3Region, cfg.ArchiveS3Endpoint)
		if err != nil {
			logger.Error("failed to create S3 archive destination", "err", err)
		} else {
			dests = append(dests, d)
			logger.Info("archive S3 destination enabled", "bucket", cfg.ArchiveS3Bucket, "prefix", cfg.ArchiveS3Prefix)
		}
	}
	if cfg.ArchiveGitRepo != "" {
		dests = append(dests, archive.NewGitDestination(cfg.ArchiveGitRepo, cfg.ArchiveGitDir, cfg.ArchiveGitBranch))
		logger.Info("archive git destination enabled", "repo", cfg.ArchiveGitRepo, "dir", cfg.ArchiveGitDir)
	}
	return dests
}

func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	bus, closeBus, err := openBus(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	svc := service.New(st, bus, service.Options{
		Identity: service.Identity{
			Service:    cfg.ServiceName,
			NodeID:     cfg.NodeID,
			InstanceID: idgen.MustInstanceID(),
		},
		Metrics: service.NewMetricsRecorder(),
		Logger:  logger,
	})
	defer svc.Close()
	id := svc.Identity()
	subjects := events.Subjects{Prefix: cfg.SubjectPrefix, NodeID: cfg.NodeID}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	defer lis.Close()

	var br *bridge.Bridge
	if cfg.BridgeNATSURL != "" {
		rules, err := bridge.LoadRules(cfg.BridgeRules)
		if err != nil {
			return err
		}
		external, err := events.NewNATSBus(cfg.BridgeNATSURL, nats.Name("eventhub-bridge-"+cfg.NodeID))
		if err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
		defer external.Close()
		br, err = bridge.New(svc, external, rules, logger)
		if err != nil {
			return err
		}
		in, out := br.Rules()
		logger.Info("bridge enabled", "nats_url", cfg.BridgeNATSURL, "inbound", in, "outbound", out)
	}

	g, gctx := errgroup.WithContext(ctx)
	if br != nil {
		g.Go(func() error { return br.Run(gctx) })
	}

	// Presence: this node's heartbeat and the cluster roster.
	tracker := presence.NewTracker()
	tracker.StartReaper(&presence.ReaperConfig{
		OnDead: func(e presence.Entry) {
			logger.Warn("presence: node dead", "node_id", e.NodeID, "instance_id", e.InstanceID, "last_seen", e.LastSeen)
		},
	})
	defer tracker.Stop()
	g.Go(func() error { return tracker.Consume(gctx, bus, subjects.PresenceAll()) })
	if cfg.HeartbeatInterval > 0 {
		hb := presence.NewHeartbeat(bus, subjects.Presence(cfg.Project), presence.Beat{
			NodeID:     id.NodeID,
			InstanceID: id.InstanceID,
			Service:    id.Service,
			Project:    cfg.Project,
		}, cfg.HeartbeatInterval, logger)
		g.Go(func() error {
			hb.Run(gctx)
			return nil
		})
	}

	if cfg.ArchiveInterval > 0 {
		if dests := archiveDestinations(ctx, cfg, logger); len(dests) > 0 {
			var cursor archive.Cursor
			if cfg.ArchiveCursor != "" {
				cursor = archive.NewFileCursor(cfg.ArchiveCursor)
			}
			sched := archive.NewScheduler(st, dests, cursor, cfg.ArchiveInterval, logger)
			sched.Start()
			defer sched.Stop()
			logger.Info("archive scheduler started", "interval", cfg.ArchiveInterval)
		}
	}

	srv := server.New(svc, tracker, server.Options{
		AuthToken:   cfg.AuthToken,
		IdleTimeout: cfg.SSEIdleTimeout,
		Logger:      logger,
	})

	grpcServer, healthServer := srv.NewGRPCServer()
	g.Go(func() error {
		logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		return grpcServer.Serve(lis)
	})

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.NewHTTPHandler(),
		// SSE streams end with the server context instead of holding
		// Shutdown open.
		BaseContext:       func(net.Listener) context.Context { return gctx },
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	logger.Info("event hub started",
		"service", id.Service,
		"node_id", id.NodeID,
		"instance_id", id.InstanceID,
		"grpc_addr", cfg.GRPCAddr,
		"http_addr", cfg.HTTPAddr,
	)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		stopGRPC(grpcServer, shutdownTimeout)
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// stopGRPC drains in-flight calls, then forces open streams closed after
// timeout.
func stopGRPC(s *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.Stop()
	}
}

func init() {
	serveCmd.Flags().Bool("embed-nats", false, "run an embedded NATS server (port from HUB_NATS_PORT)")
}
