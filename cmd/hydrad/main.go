package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"hydrad/internal/backend"
	"hydrad/internal/catalog"
	"hydrad/internal/common/fsutil"
	"hydrad/internal/config"
	"hydrad/internal/discovery"
	"hydrad/internal/httpapi"
	"hydrad/internal/monitor"
	"hydrad/internal/registry"
	"hydrad/internal/reliability"
	"hydrad/internal/router"
	"hydrad/internal/scheduler"
	"hydrad/pkg/types"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var (
		cfgPath    string
		addr       string
		seeds      []string
		scanSubnet bool
		logLevel   string
	)
	root := &cobra.Command{
		Use:           "hydrad",
		Short:         "Distributed inference router for Ollama-style backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the router daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Config{}
			if cfgPath != "" {
				expanded, err := fsutil.ExpandHome(cfgPath)
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				if !fsutil.PathExists(expanded) {
					return fmt.Errorf("config file %s does not exist", expanded)
				}
				loaded, err := config.Load(expanded)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if len(seeds) > 0 {
				cfg.Discovery.Seeds = append(cfg.Discovery.Seeds, seeds...)
			}
			if cmd.Flags().Changed("scan-subnet") {
				cfg.Discovery.ScanLocalSubnet = scanSubnet
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			return run(cfg.Normalize())
		},
	}
	serve.Flags().StringVar(&cfgPath, "config", "", "Path to config file (.yaml, .json or .toml)")
	serve.Flags().StringVar(&addr, "addr", "", "HTTP listen address, e.g. :8090")
	serve.Flags().StringSliceVar(&seeds, "seeds", nil, "Backend node addresses, e.g. gpu1:11434")
	serve.Flags().BoolVar(&scanSubnet, "scan-subnet", false, "Probe the local /24 for backends once at startup")
	serve.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error")
	root.AddCommand(serve)
	return root
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func run(cfg config.Config) error {
	log := newLogger(cfg.Log.Level)

	cat := catalog.New(cfg.Catalog)
	client := backend.NewClient(backend.ClientConfig{
		ConnectTimeout:  cfg.ConnectTimeout(),
		ProbeTimeout:    cfg.ProbeTimeout(),
		GenerateTimeout: cfg.RequestTimeout(),
		OOMMatcher:      cat.LooksLikeOOM,
		Logger:          log,
	})
	reg := registry.New()
	tracker := reliability.NewTracker(reliability.WithWarmup(cfg.Reliability.WarmRequests))
	sched := scheduler.New(scheduler.Config{
		MaxInFlight:    cfg.Scheduler.MaxInFlight,
		PerNodeCap:     cfg.Scheduler.PerNodeCap,
		QueueSoftCap:   cfg.Scheduler.QueueSoftCap,
		MinSuccessRate: cfg.Reliability.MinSuccessRate,
		WarmRequests:   cfg.Reliability.WarmRequests,
		Weights:        cfg.Routing.FastWeights,
	}, tracker, cat, log)
	rt := router.New(router.Config{
		DefaultMode:    types.ParseRoutingMode(cfg.Routing.DefaultMode),
		RequestTimeout: cfg.RequestTimeout(),
	}, client, reg, tracker, cat, sched, log)

	disc := discovery.New(reg, client, sched, cfg.Discovery, log)
	mon := monitor.New(reg, client, cfg.MonitorInterval(), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disc.Run(ctx)
	go mon.Run(ctx)

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.Origins, nil, nil)
	mux := httpapi.NewMux(rt)
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Int("seeds", len(cfg.Discovery.Seeds)).Msg("hydrad listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}
