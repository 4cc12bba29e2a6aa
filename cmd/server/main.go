// Command diagq runs the diagnostics re-analysis server and offers a few
// client subcommands against a running instance.
//
// Usage:
//
//	diagq serve [--config path/to/config.yaml]
//	diagq check --server http://localhost:8080 app/main.go
//	diagq version
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/diagq/internal/broker"
	"github.com/snehjoshi/diagq/internal/config"
	"github.com/snehjoshi/diagq/internal/consumer"
	"github.com/snehjoshi/diagq/internal/metrics"
	"github.com/snehjoshi/diagq/internal/node"
	transphttp "github.com/snehjoshi/diagq/internal/transport/http"
	"github.com/snehjoshi/diagq/pkg/client"
)

// shutdownGrace bounds how long in-flight requests get on SIGINT/SIGTERM.
const shutdownGrace = 5 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "diagq: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "diagq",
		Short:         "Debounced diagnostics re-analysis server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the diagq server",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, path)
		},
	}
	serveCmd.Flags().String("config", "config.yaml", "path to config file")
	root.AddCommand(serveCmd)

	checkCmd := &cobra.Command{
		Use:   "check FILE",
		Short: "Analyze the unit containing FILE on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			apiKey, _ := cmd.Flags().GetString("api-key")
			return check(cmd.Context(), cmd.OutOrStdout(), client.New(server, client.WithAPIKey(apiKey)), args[0])
		},
	}
	checkCmd.Flags().String("server", "http://localhost:8080", "diagq server base URL")
	checkCmd.Flags().String("api-key", os.Getenv("DIAGQ_AUTH_API_KEY"), "API key for authenticated servers")
	root.AddCommand(checkCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), transphttp.Version)
		},
	})
	return root
}

func serve(ctx context.Context, configPath string) error {
	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger, closeLog, err := newLogger(cfg.Log, os.Stdout)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	slog.Info("diagq starting",
		"node_id", n.ID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", cfg.Node.DataDir,
		"throttle_ms", cfg.Queue.ThrottleMs,
		"journal", cfg.Journal.Enabled,
	)

	// ── 4. Initialise metrics registry ───────────────────────────────────────
	var metricsReg *metrics.Registry
	if cfg.Metrics.Enabled {
		metricsReg = metrics.New()
	}

	// ── 5. Initialise broker (workspace + queue + coordinator + sinks) ──────
	opts := []broker.Option{broker.WithLogger(logger)}
	if metricsReg != nil {
		opts = append(opts, broker.WithMetrics(metricsReg))
	}
	b, err := broker.New(cfg, n.ID().String(), opts...)
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}

	// ── 6. Initialise webhook consumer manager ────────────────────────────────
	cm := consumer.NewManager(b.Hub(),
		consumer.WithRetryDelays(cfg.WebhookRetryDelays()...),
		consumer.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Webhook.TimeoutMs) * time.Millisecond}),
		consumer.WithLogger(logger),
	)

	// ── 7. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(b, cm, cfg, metricsReg)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("diagq ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// ── 8. Start dedicated Prometheus metrics listener ───────────────────────
	var metricsSrv *http.Server
	if metricsReg != nil {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           metricsReg.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	// ── 9. Graceful shutdown on SIGINT / SIGTERM or listener failure ─────────
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "reason", context.Cause(gctx))

		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutCtx); err != nil {
				slog.Warn("metrics shutdown error", "err", err)
			}
		}
		cm.Close()
		if err := b.Close(); err != nil {
			slog.Warn("broker close error", "err", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("diagq stopped", "uptime", n.Uptime().Round(time.Second))
	return err
}

// newLogger builds the process logger. Every record goes to out; when
// cfg.File is set a second handler of the same format appends to that file.
func newLogger(cfg config.LogConfig, out io.Writer) (*slog.Logger, func(), error) {
	level, err := (&config.Config{Log: cfg}).LogLevel()
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	handlers := []slog.Handler{newHandler(cfg.Format, out, opts)}
	closer := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, newHandler(cfg.Format, f, opts))
		closer = func() { _ = f.Close() }
	}
	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

func newHandler(format config.LogFormat, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if format == config.LogText {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// check runs a synchronous analysis and prints one line per diagnostic. It
// fails when any error-severity diagnostic is reported.
func check(ctx context.Context, out io.Writer, c *client.Client, file string) error {
	files, err := c.CodeCheck(ctx, file)
	if err != nil {
		return err
	}
	var errs int
	for _, f := range files {
		for _, d := range f.Diagnostics {
			fmt.Fprintf(out, "%s:%d:%d: %s: %s\n", f.File, d.Span.Start.Line, d.Span.Start.Column, d.Severity, d.Message)
			if d.Severity == "error" {
				errs++
			}
		}
	}
	if errs > 0 {
		return fmt.Errorf("%d error(s)", errs)
	}
	return nil
}
