package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/api"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/config"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/controller"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/events"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/logging"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/ownership"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/poller"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/provider"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/provider/sim"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/reconcile"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/server"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/storage"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/tasks"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "cloudsyncd",
		Short:         "Multi-cloud inventory reconciliation daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file; environment variables override it")

	cmd.AddCommand(&cobra.Command{
		Use:   "env",
		Short: "Describe the environment variables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			usage, err := config.Usage()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), usage)
			return nil
		},
	})
	return cmd
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.Tracing {
		shutdown, terr := tracing.Setup("cloudsyncd", os.Stderr)
		if terr != nil {
			return terr
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			err = multierr.Append(err, shutdown(sctx))
		}()
	}

	// Create storage
	dbPath := cfg.DBPath
	if dbPath == "memory" {
		dbPath = ""
	}
	store, err := storage.NewBadgerStore(dbPath)
	if err != nil {
		return fmt.Errorf("open badger store: %w", err)
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	driver := sim.NewDriver()
	if cfg.SimInventory != "" {
		names, err := driver.LoadFile(cfg.SimInventory)
		if err != nil {
			return fmt.Errorf("load sim inventory: %w", err)
		}
		log.Info("simulated inventories loaded", zap.Strings("inventories", names))
	}
	registry := provider.NewRegistry()
	registry.Register(provider.FamilySim, driver.Connect)

	var publisher events.Publisher = events.Noop{}
	if cfg.NATSURL != "" {
		np, nerr := events.NewNATSPublisher(cfg.NATSURL, cfg.PresenceTTL, log.Named("events"))
		if nerr != nil {
			return fmt.Errorf("connect nats: %w", nerr)
		}
		defer func() { err = multierr.Append(err, np.Close()) }()
		publisher = np
	}

	coord := tasks.NewCoordinator(store, tasks.WithLogger(log.Named("tasks")), tasks.WithStaleAfter(cfg.StaleAttempt))
	owners := ownership.NewMapper(store, log.Named("ownership"))
	obs := events.NewObservationLog(store, nil, log.Named("observations"))
	engine := reconcile.New(store, registry, coord,
		reconcile.WithPublisher(publisher),
		reconcile.WithObservationLog(obs),
		reconcile.WithOwnership(owners),
		reconcile.WithTimeouts(cfg.FetchTimeout, cfg.ContentTimeout),
		reconcile.WithLogger(log.Named("reconcile")),
	)

	// the poller and the controller refer to each other through autodisable
	var ctl *controller.Controller
	pollOpts := []poller.Option{
		poller.WithLogger(log.Named("poller")),
		poller.WithWorkers(cfg.Polling.Workers),
		poller.WithRate(cfg.Polling.Rate, cfg.Polling.Burst),
		poller.WithDefaultInterval(cfg.Polling.Interval),
		poller.WithSlowInterval(cfg.Polling.SlowInterval),
	}
	if !cfg.Autodisable.Disabled {
		pollOpts = append(pollOpts, poller.WithAutodisable(poller.Thresholds{
			FailuresSinceSuccess:   cfg.Autodisable.FailuresSinceSuccess,
			StaleSuccess:           cfg.Autodisable.StaleSuccess,
			FailuresWithoutSuccess: cfg.Autodisable.FailuresWithoutSuccess,
		}, func(ctx context.Context, cloudID string) error {
			return ctl.Autodisable(ctx, cloudID)
		}))
	}
	p := poller.New(engine, store, pollOpts...)
	ctl = controller.New(store, engine, p, coord,
		controller.WithOwnership(owners),
		controller.WithLogger(log.Named("controller")),
	)

	clouds, err := ctl.List(ctx, "")
	if err != nil {
		return fmt.Errorf("list clouds: %w", err)
	}
	for _, c := range clouds {
		if err := p.Schedule(ctx, c); err != nil {
			log.Warn("cloud not scheduled", zap.String("cloud", c.ID), zap.Error(err))
		}
	}
	log.Info("clouds scheduled", zap.Int("clouds", len(clouds)))

	srv := server.New(ctl, engine,
		server.WithVisibility(owners),
		server.WithObservations(obs),
		server.WithLogger(log.Named("grpc")),
	)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}
	grpcServer := grpc.NewServer()
	srv.RegisterGRPC(grpcServer)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewHTTPHandler(srv, driver, log.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	api.RegisterMetrics(metricsMux)
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("HTTP shim listening", zap.String("addr", cfg.HTTPAddr))
		return listen(httpServer)
	})
	g.Go(func() error {
		log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		return listen(metricsServer)
	})
	g.Go(func() error {
		return p.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")
		grpcServer.GracefulStop()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return multierr.Combine(httpServer.Shutdown(sctx), metricsServer.Shutdown(sctx))
	})

	err = g.Wait()
	log.Info("shutdown complete")
	return err
}

func listen(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
