package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/launchr/launchr/internal/config"
	"github.com/launchr/launchr/internal/observability"
	"github.com/launchr/launchr/internal/server"
	"github.com/launchr/launchr/internal/server/handlers"
	"github.com/launchr/launchr/pkg/aggregator"
	"github.com/launchr/launchr/pkg/launch"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"run-progress-server"},
	Short:   "Run the progress aggregator",
	Long: `Run the aggregator that collects progress from download workers.

Only one aggregator runs per socket. With http.enabled (or --http) a status
server also exposes /health, /jobs and /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	ytdlCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("background", false, "Run the aggregator as a detached background process")
	serveCmd.Flags().Bool("http", false, "Enable the HTTP status server (overrides http.enabled)")
	serveCmd.Flags().Int("port", 0, "HTTP status server port (overrides http.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig(cmd)
	if err != nil {
		return err
	}

	httpEnabled := cfg.HTTP.Enabled
	if cmd.Flags().Changed("http") {
		httpEnabled, _ = cmd.Flags().GetBool("http")
	}
	port := cfg.HTTP.Port
	if cmd.Flags().Changed("port") {
		port, _ = cmd.Flags().GetInt("port")
	}

	if background, _ := cmd.Flags().GetBool("background"); background {
		if aggregator.Probe(cmd.Context(), cfg.Aggregator.Socket, cfg.Aggregator.DialTimeout) {
			return exitError(foundry.ExitInvalidArgument, "Aggregator not started",
				fmt.Errorf("%w on %s", aggregator.ErrAlreadyRunning, cfg.Aggregator.Socket))
		}
		args := append([]string{"ytdl", "serve"}, globalArgs()...)
		if cmd.Flags().Changed("http") {
			args = append(args, fmt.Sprintf("--http=%t", httpEnabled))
		}
		if cmd.Flags().Changed("port") {
			args = append(args, "--port", fmt.Sprint(port))
		}
		return startBackground(cmd, cfg, launch.KindAggregator, cfg.Aggregator.Socket, args)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.ServerLogger
	reg := prometheus.NewRegistry()
	var metrics *aggregator.Metrics
	if cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = aggregator.NewMetrics(reg)
	}

	svc := aggregator.NewService(aggregator.Config{
		SocketPath:      cfg.Aggregator.Socket,
		MaxMessageBytes: cfg.Aggregator.MaxMessageBytes,
		ReplyTimeout:    cfg.Aggregator.RequestTimeout,
		Logger:          logger,
		Metrics:         metrics,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	running := 1
	go func() { errCh <- svc.ListenAndServe(ctx) }()

	if httpEnabled {
		health := handlers.InitHealthManager(versionInfo.Version)
		health.RegisterChecker("store", storeHealthChecker{store: svc.Store()})
		health.RegisterChecker("socket", socketHealthChecker{path: cfg.Aggregator.Socket, timeout: cfg.Aggregator.DialTimeout})

		opts := []server.Option{
			server.WithJobs(svc.Store()),
			server.WithLogger(logger),
			server.WithTimeouts(serverTimeouts(cfg)),
		}
		if cfg.Metrics.Enabled {
			opts = append(opts, server.WithMetrics(reg))
		}
		srv := server.New(cfg.HTTP.Host, port, opts...)
		running++
		go func() { errCh <- srv.ListenAndServe(ctx) }()
	}

	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	switch {
	case errors.Is(firstErr, aggregator.ErrAlreadyRunning):
		return exitError(foundry.ExitInvalidArgument, "Aggregator not started", firstErr)
	case firstErr != nil:
		return exitError(foundry.ExitExternalServiceUnavailable, "Aggregator stopped", firstErr)
	}
	logger.Info("Aggregator stopped", zap.String("socket", cfg.Aggregator.Socket))
	return nil
}

func serverTimeouts(cfg *config.Config) server.Timeouts {
	return server.Timeouts{
		Read:     cfg.HTTP.ReadTimeout,
		Write:    cfg.HTTP.WriteTimeout,
		Idle:     cfg.HTTP.IdleTimeout,
		Shutdown: cfg.HTTP.ShutdownTimeout,
	}
}

// storeHealthChecker fails once the aggregator's state goroutine has stopped.
type storeHealthChecker struct {
	store *aggregator.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("job store not initialized")
	}
	_, err := c.store.Query(ctx)
	return err
}

// socketHealthChecker fails when nothing answers on the aggregator socket.
type socketHealthChecker struct {
	path    string
	timeout time.Duration
}

func (c socketHealthChecker) CheckHealth(ctx context.Context) error {
	if c.path == "" {
		return errors.New("socket path not configured")
	}
	if !aggregator.Probe(ctx, c.path, c.timeout) {
		return fmt.Errorf("no aggregator answering on %s", c.path)
	}
	return nil
}
