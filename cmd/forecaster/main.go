// Command forecaster implements the evolvecast forecast engine.
//
// Each run:
//  1. Loads the history from a CSV file or from the configured data sources
//  2. Drops series that fail the data-quality checks
//  3. Searches model templates with a genetic algorithm, seeded from the
//     template archive depending on the mode
//  4. Chooses a single template or an ensemble and fits it on the full history
//  5. Writes the forecast files and exports the best templates to the archive
//  6. Publishes the forecast snapshot at /forecast/current
//
// With -interval the forecaster keeps running and serves an HTTP API on
// port 8081 (configurable) providing:
//   - GET /forecast/current?name=<name> - Retrieve latest forecast snapshot
//   - GET /healthz - Health check endpoint
//   - GET /metrics - Prometheus metrics endpoint
//
// and, with -grpc-listen, the standard gRPC health service.
//
// The first SIGINT or SIGTERM stops the search: the run still ensembles,
// forecasts and exports what was evaluated, and the loop exits afterwards.
// A second signal aborts the run.
//
// Usage:
//
//	forecaster \
//	  -input=history.csv \
//	  -archive=s3://forecasts/daily/templates.csv \
//	  -horizon=28 -prediction-interval=p90 \
//	  -forecast-csv=forecast.csv
//
// Environment variables mirror the flags in upper case, for example
// HORIZON, MODE, ARCHIVE, STORAGE, REDIS_ADDR, LOG_LEVEL and LOG_FORMAT.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/HatiCode/evolvecast/cmd/forecaster/config"
	"github.com/HatiCode/evolvecast/cmd/forecaster/logger"
	"github.com/HatiCode/evolvecast/cmd/forecaster/metrics"
	"github.com/HatiCode/evolvecast/cmd/forecaster/router"
	"github.com/HatiCode/evolvecast/cmd/forecaster/store"
	"github.com/HatiCode/evolvecast/pkg/archive"
	"github.com/HatiCode/evolvecast/pkg/autots"
	"github.com/HatiCode/evolvecast/pkg/httpx"
	"github.com/HatiCode/evolvecast/pkg/models"
	"github.com/HatiCode/evolvecast/pkg/storage"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 2
	}

	log := logger.New(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(log)

	runCfg, err := cfg.AutoTS()
	if err != nil {
		log.Error("invalid run configuration", "error", err)
		return 2
	}

	log.Info("starting evolvecast forecaster",
		"version", version,
		"name", cfg.Name,
		"mode", cfg.Mode,
		"archive", cfg.Archive,
		"interval", cfg.Interval,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := models.DefaultRegistry()
	if cfg.BYOMURL != "" {
		models.RegisterBYOM(reg, cfg.BYOMURL, 30*time.Second)
		log.Info("external model service enabled", "url", cfg.BYOMURL)
	}

	var templates *archive.Store
	if cfg.Archive != "" {
		blob, name, err := archive.OpenBlob(ctx, cfg.Archive)
		if err != nil {
			log.Error("failed to open template archive", "error", err)
			return 1
		}
		defer func() {
			if err := blob.Close(); err != nil {
				log.Error("failed to close template archive", "error", err)
			}
		}()
		templates = archive.NewStore(blob, name, reg, log)
	}

	m := metrics.New(cfg.Name)
	runner, err := autots.NewRunner(runCfg, reg, templates, m, log)
	if err != nil {
		log.Error("failed to create runner", "error", err)
		return 1
	}

	client, err := httpx.NewClient(cfg.TLS, 30*time.Second)
	if err != nil {
		log.Error("failed to create HTTP client", "error", err)
		return 1
	}
	source, err := newHistorySource(cfg, runCfg.Frequency, client, log)
	if err != nil {
		log.Error("failed to configure history", "error", err)
		return 1
	}

	snapshots, closeStore, err := store.New(cfg, log)
	if err != nil {
		log.Error("failed to create snapshot store", "error", err)
		return 1
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Error("failed to close store", "error", err)
		}
	}()

	f := New(cfg.Name, runner, source, snapshots, Outputs{
		PointCSV:    cfg.OutputCSV,
		LowerCSV:    cfg.OutputLower,
		UpperCSV:    cfg.OutputUpper,
		Parquet:     cfg.OutputParquet,
		Leaderboard: cfg.Leaderboard,
		Writer:      os.Stdout,
	}, runCfg.Interval, log, m)

	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()
	serverErr := make(chan error, 2)
	if cfg.Interval > 0 {
		if err := startServers(serveCtx, cfg, f, snapshots, serverErr, log); err != nil {
			log.Error("failed to start servers", "error", err)
			return 1
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	loopDone := make(chan error, 1)
	go func() { loopDone <- f.Run(ctx, cfg.Interval) }()

	code := 0
	signals := 0
	for waiting := true; waiting; {
		select {
		case sig := <-sigCh:
			signals++
			if signals == 1 {
				log.Warn("received shutdown signal, finishing current run", "signal", sig)
				runner.Interrupt()
				f.Stop()
				continue
			}
			log.Warn("received second signal, aborting run", "signal", sig)
			cancel()
		case err := <-serverErr:
			log.Error("server failed", "error", err)
			code = 1
			runner.Interrupt()
			f.Stop()
		case err := <-loopDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("forecast run failed", "error", err)
				code = 1
			}
			waiting = false
		}
	}

	log.Info("shutting down")
	stopServing()
	log.Info("shutdown complete")
	return code
}

// startServers starts the HTTP API and, when configured, the gRPC health
// service. Both stop when ctx is done.
func startServers(ctx context.Context, cfg *config.Config, f *Forecaster, snapshots storage.Store, errc chan<- error, log *slog.Logger) error {
	handler := router.SetupRoutes(snapshots, 2*cfg.Interval, f.Ready, log)
	httpServer := httpx.NewServer(cfg.Listen, handler, log)
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.TLS.Server()
		if err != nil {
			return err
		}
		httpServer.SetTLSConfig(tlsCfg)
	}
	go func() {
		if err := httpServer.Serve(ctx, cfg.TLS.CertFile, cfg.TLS.KeyFile, 10*time.Second); err != nil {
			errc <- err
		}
	}()

	if cfg.GRPCListen == "" {
		return nil
	}
	lis, err := net.Listen("tcp", cfg.GRPCListen)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	f.OnPublish(func() {
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	})

	go func() {
		log.Info("grpc health server listening", "address", cfg.GRPCListen)
		if err := grpcServer.Serve(lis); err != nil {
			errc <- err
		}
	}()
	go func() {
		<-ctx.Done()
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}()
	return nil
}
