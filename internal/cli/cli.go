// ============================================================================
// scoreload CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra front end for the score loader
//
// Command Structure:
//   scoreload                      # Root command
//   ├── load FILE...               # Load files locally, print events and results
//   │   ├── --events               # Print chunk events as they arrive
//   │   └── --json                 # Print results as JSON lines
//   ├── serve                      # Run the gRPC bridge and metrics endpoint
//   │   └── --addr                 # Override bridge.addr
//   ├── fetch JOB_ID               # Fetch a cached result from a running server
//   │   └── --addr                 # Server address
//   ├── config                     # Print the effective configuration
//   ├── worker                     # (hidden) subprocess worker entry point
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration:
//   The default config path is optional: when it does not exist the
//   built-in defaults are used. An explicit --config must exist.
//
// Signal Handling:
//   serve and load stop on SIGINT or SIGTERM:
//   1. Stop accepting RPCs
//   2. Terminate every worker and fail outstanding jobs
//   3. Stop the metrics server
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/scoreload/internal/bridge"
	"github.com/ChuLiYu/scoreload/internal/cache"
	"github.com/ChuLiYu/scoreload/internal/config"
	"github.com/ChuLiYu/scoreload/internal/metrics"
	"github.com/ChuLiYu/scoreload/internal/pool"
	"github.com/ChuLiYu/scoreload/internal/worker"
	"github.com/ChuLiYu/scoreload/pkg/types"
)

const shutdownTimeout = 10 * time.Second

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scoreload",
		Short: "scoreload: concurrent MusicXML score loader",
		Long: `scoreload loads MusicXML scores (.musicxml, .xml, .mxl) with:
- isolated workers under a concurrency ceiling
- size-based timeouts
- streaming parse with progress events and backpressure
- a bounded result cache served over gRPC`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildLoadCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildFetchCommand())
	rootCmd.AddCommand(buildConfigCommand())
	rootCmd.AddCommand(buildWorkerCommand())

	return rootCmd
}

// loadConfig reads the config file. A missing file at the default path
// falls back to the built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("failed to load config: %w", err)
}

// newService builds the pool and its boundary from cfg, registering
// metrics on reg.
func newService(cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (*bridge.Service, error) {
	collector := metrics.NewCollector(reg)
	m, err := pool.New(cfg.PoolConfig(),
		pool.WithCache(cache.New(cfg.CacheConfig())),
		pool.WithMetrics(collector),
		pool.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	return bridge.NewService(m, collector, logger), nil
}

// ============================================================================
// load
// ============================================================================

func buildLoadCommand() *cobra.Command {
	var showEvents, asJSON bool

	cmd := &cobra.Command{
		Use:   "load FILE...",
		Short: "Load score files locally and print the results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := cfg.InstallLogger(cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return loadFiles(ctx, cfg, logger, cmd.OutOrStdout(), args, showEvents, asJSON)
		},
	}

	cmd.Flags().BoolVar(&showEvents, "events", false, "print chunk events as they arrive")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON lines")
	return cmd
}

func loadFiles(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer, files []string, showEvents, asJSON bool) error {
	svc, err := newService(cfg, prometheus.NewRegistry(), logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Shutdown(sctx); err != nil {
			logger.Warn("Shutdown incomplete", "error", err)
		}
	}()

	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	var relay sync.WaitGroup
	if showEvents {
		sub := svc.Subscribe(16, pool.EventChunk)
		relay.Add(1)
		go func() {
			defer relay.Done()
			for ev := range sub.Events() {
				c := ev.Chunk
				printf("event %s %s units=%d total=%d final=%t\n", ev.JobID, c.Kind, c.Units, c.UnitsProcessed, c.IsFinal)
			}
		}()
		defer func() {
			svc.Unsubscribe(sub)
			relay.Wait()
		}()
	}

	type submitted struct {
		path string
		resp bridge.StartResponse
		err  error
	}
	results := make([]submitted, len(files))
	var wg sync.WaitGroup
	for i, f := range files {
		i := i
		path, err := filepath.Abs(f)
		if err != nil {
			path = f
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.StartLoad(ctx, bridge.StartRequest{FilePath: path, Wait: true})
			results[i] = submitted{path: path, resp: resp, err: err}
		}()
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		switch {
		case r.err != nil:
			failed++
			printf("rejected %s: %v\n", r.path, r.err)
		case asJSON:
			b, err := json.Marshal(r.resp.Result)
			if err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			printf("%s\n", b)
			if !r.resp.Result.Success {
				failed++
			}
		default:
			if !printResult(printf, r.path, r.resp.Result) {
				failed++
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d loads failed", failed, len(files))
	}
	return nil
}

func printResult(printf func(string, ...any), path string, res *types.ProcessingResult) bool {
	if !res.Success {
		printf("failed %s [%s]: %s\n", path, res.Error.Code, res.Error.Message)
		return false
	}
	mode := "sync"
	if res.Streamed {
		mode = "streamed"
	}
	printf("completed %s job=%s bytes=%d mode=%s units=%d total=%s\n",
		path, res.JobID, res.FileSizeBytes, mode, res.Units, res.Timing.TotalTime)
	if md := res.Metadata; md != nil {
		printf("  title=%q composer=%q parts=%d measures=%d\n", md.Title, md.Composer, md.PartCount, md.MeasureCount)
	}
	return true
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gRPC loader service",
		Long:  "Serve scoreload.v1.Loader over gRPC and, if enabled, Prometheus metrics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Bridge.Addr = addr
			}
			logger := cfg.InstallLogger(cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			lis, err := net.Listen("tcp", cfg.Bridge.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Bridge.Addr, err)
			}
			return serve(ctx, cfg, logger, lis)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gRPC listen address (overrides bridge.addr)")
	return cmd
}

// serve runs the loader on lis until ctx is done, then shuts down.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, lis net.Listener) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := newService(cfg, reg, logger)
	if err != nil {
		return err
	}

	grpcServer := grpc.NewServer()
	bridge.Register(grpcServer, bridge.NewServer(svc))

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server failed: %w", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr, reg)
		go func() {
			logger.Info("Starting metrics server", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
	}

	logger.Info("System started successfully", "workers", svc.MaxWorkers(), "mode", cfg.Pool.WorkerMode)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully...")
	case runErr = <-errCh:
		logger.Error("Server error, shutting down", "error", runErr)
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Shutting the service down first ends open Subscribe streams, which
	// lets GracefulStop return.
	if err := svc.Shutdown(sctx); err != nil {
		logger.Warn("Loader shutdown incomplete", "error", err)
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-sctx.Done():
		grpcServer.Stop()
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(sctx); err != nil {
			logger.Warn("Metrics server shutdown incomplete", "error", err)
		}
	}

	logger.Info("System stopped. Goodbye!")
	return runErr
}

// ============================================================================
// fetch
// ============================================================================

func buildFetchCommand() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "fetch JOB_ID",
		Short: "Fetch a cached result from a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				addr = cfg.Bridge.Addr
			}

			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", addr, err)
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return fetch(ctx, bridge.NewClient(conn), types.JobID(args[0]), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (default bridge.addr)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func fetch(ctx context.Context, client *bridge.Client, id types.JobID, out io.Writer) error {
	resp, err := client.FetchCached(ctx, id)
	if err != nil {
		return err
	}
	if !resp.Found {
		return fmt.Errorf("no cached result for job %s", id)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// ============================================================================
// config
// ============================================================================

func buildConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// ============================================================================
// worker
// ============================================================================

// buildWorkerCommand is the entry point of process-mode workers: the task
// arrives on stdin and messages leave on stdout. Logs go to stderr, whose
// tail is reported if the worker crashes.
func buildWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one load task from stdin (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			return worker.Serve(cmd.Context(), os.Stdin, os.Stdout, logger)
		},
	}
}
