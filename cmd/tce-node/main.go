// Command tce-node runs a Topos Certificate Exchange node: the Double-Echo
// broadcast engine, its gossip fabric, and the gRPC API runtime, wired
// together by an AppContext (spec §4).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/topos-protocol/tce-node/internal/api"
	"github.com/topos-protocol/tce-node/internal/appctx"
	"github.com/topos-protocol/tce-node/internal/config"
	"github.com/topos-protocol/tce-node/internal/engine"
	"github.com/topos-protocol/tce-node/internal/gossip"
	"github.com/topos-protocol/tce-node/internal/storage"
	"github.com/topos-protocol/tce-node/internal/telemetry"
	"github.com/topos-protocol/tce-node/internal/topos"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "tce-node",
		Short: "Topos Certificate Exchange node",
	}
	root.AddCommand(runCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the node version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the node until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

func run(ctx context.Context) error {
	instanceID := uuid.NewString()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("instance_id", instanceID)
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := storage.Open(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	recorder := telemetry.NewRecorder(prometheus.DefaultRegisterer)
	store.SetObserver(recorder)

	if known, err := store.KnownSubnets(); err != nil {
		logger.Warn("failed to read known subnets from storage", "error", err)
	} else {
		ids := make([]string, len(known))
		for i, id := range known {
			ids[i] = id.String()
		}
		logger.Info("rebuilt causal view from storage", "known_subnets", ids)
	}

	eng := engine.New(engine.Config{
		Store:                store,
		ValidatorSetSize:     cfg.ValidatorSetSize,
		IsValidator:          cfg.IsValidator,
		SelfValidatorId:      topos.ValidatorId(cfg.ValidatorID),
		BroadcastIdleTimeout: cfg.BroadcastIdleTimeout,
		EventBufferSize:      cfg.CommandChannelSize,
	})

	fabric := gossip.New(nil)
	apiServer := api.New(eng, store)
	apiServer.SetStreamGauge(recorder)

	healthReporter := telemetry.NewHealthReporter(api.ServiceName)

	appCtx := appctx.New(logger, eng, fabric, apiServer, cfg.BroadcastIdleTimeout/6)
	appCtx.SetObserver(recorder)
	appCtx.SetStableSampleCallback(healthReporter.MarkServing)

	grpcServer := grpc.NewServer()
	api.Register(grpcServer, apiServer)
	healthpb.RegisterHealthServer(grpcServer, healthReporter.Server)

	lis, err := net.Listen("tcp", cfg.TCEGRPCEndpoint)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.TCEGRPCEndpoint, err)
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	appCtx.Run(runCtx)

	go func() {
		logger.Info("grpc server listening", "addr", cfg.TCEGRPCEndpoint)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server stopped", "error", err)
		}
	}()
	go func() {
		logger.Info("metrics server listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	// The node reports SERVING once its validator sample is stable; until
	// then it reports NOT_SERVING to load balancers and readiness probes.
	// No peer sampling runs here: every node, whatever its validator set
	// size or role, marks its sample stable as soon as it starts listening.
	// appCtx.Run's routing loop delivers the resulting event to the
	// stable-sample callback registered above.
	eng.MarkStableSample()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	}

	healthReporter.MarkNotServing()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	appCtx.Wait()

	logger.Info("shutdown complete")
	return nil
}
