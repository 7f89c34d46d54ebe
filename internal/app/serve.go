package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nuetzliches/remoteaccess/internal/config"
	"github.com/nuetzliches/remoteaccess/internal/server"
	"github.com/nuetzliches/remoteaccess/internal/store"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

func serveCmd(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error); overrides the log block")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	pidFile := fs.String("pid-file", "", "write process PID to file")
	watch := fs.Bool("watch", false, "watch config file for reload")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	levelSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "log-level" {
			levelSet = true
		}
	})

	baseLogger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}
	slog.SetDefault(baseLogger)

	releasePIDFile, err := claimPIDFile(*pidFile)
	if err != nil {
		baseLogger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	if p := strings.TrimSpace(*dotenvPath); p != "" {
		set, err := loadDotenv(p)
		if err != nil {
			baseLogger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
		baseLogger.Info("dotenv_loaded", slog.Int("vars", len(set)))
	}

	compiled, res, err := config.Load(*configPath)
	if err != nil {
		baseLogger.Error("read_config_failed", slog.Any("err", err))
		return 1
	}
	if !res.OK {
		baseLogger.Error("compile_config_failed", slog.String("error", config.FormatValidationText(res)))
		return 1
	}
	for _, w := range res.Warnings {
		baseLogger.Warn("config_warning", slog.String("warning", w))
	}
	baseLogger.Info("config_ok")

	logger, logCloser, err := runtimeLoggerFor(compiled.Log, *logLevel, levelSet)
	if err != nil {
		baseLogger.Error("runtime_log_failed", slog.Any("err", err))
		return 1
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	slog.SetDefault(logger)

	metrics := newRuntimeMetrics()
	if compiled.Observability.Tracing.Enabled {
		shutdownTracing, err := initTracing(context.Background(), compiled.Observability.Tracing, func(err error) {
			metrics.incTracingExportErrors()
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			metrics.incTracingInitFailures()
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		metrics.setTracingEnabled(true)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled")
	}

	st, err := store.Open(compiled.Store.Backend, compiled.Store.DSN)
	if err != nil {
		logger.Error("open_store_failed", slog.String("backend", compiled.Store.Backend), slog.Any("err", err))
		return 1
	}
	defer func() { _ = st.Close() }()
	metrics.queue = st
	logger.Info("store_backend_selected", slog.String("backend", compiled.Store.Backend))

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	state := newRuntimeState(st, logger, metrics)
	if err := state.start(ctx, compiled); err != nil {
		logger.Error("remote_access_init_failed", slog.Any("err", err))
		return 1
	}

	var accessLogger *slog.Logger
	if compiled.Observability.AccessLog {
		accessLogger = logger.With(slog.String("log", "access"))
	}
	srv := &http.Server{
		Handler:           newHTTPHandler(compiled, state, metrics, accessLogger),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	ln, err := net.Listen("tcp", compiled.Listen)
	if err != nil {
		logger.Error("listen_failed", slog.String("addr", compiled.Listen), slog.Any("err", err))
		return 1
	}
	serveOnListener(logger, srv, ln, cancel)
	logger.Info("remote_access_listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("path", compiled.RemoteAccess.Path),
		slog.Bool("check_post", compiled.RemoteAccess.CheckPost),
	)

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				state.reload(ctx, *configPath, "signal_sighup")
			}
		}
	}()
	if *watch {
		go watchConfig(ctx, *configPath, watchDebounce, logger, func() {
			state.reload(ctx, *configPath, "watch")
		})
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("http_shutdown_failed", slog.Any("err", err))
	}
	logger.Info("shutdown_complete")
	return 0
}

// newHTTPHandler mounts the explicit endpoint at the configured path and,
// while check_post is on, treats every request as a candidate call.
func newHTTPHandler(compiled config.Compiled, calls *runtimeState, metrics *runtimeMetrics, accessLogger *slog.Logger) http.Handler {
	start := time.Now()
	mux := http.NewServeMux()
	mux.Handle(compiled.RemoteAccess.Path, server.Endpoint(calls))
	if compiled.Observability.Metrics {
		mux.Handle(config.MetricsPath, newMetricsHandler(version, start, metrics))
	}

	h := server.Middleware(calls, calls.checkPostEnabled, mux)
	h = wrapTracingHandler(compiled.Observability.Tracing.Enabled, "remote_access", h)
	if accessLogger != nil {
		h = withAccessLog(accessLogger, h)
	}
	return h
}
