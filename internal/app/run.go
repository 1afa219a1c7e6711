package app

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nuetzliches/eventrelay/internal/pipeline"
	"github.com/nuetzliches/eventrelay/internal/queue"
	"github.com/nuetzliches/eventrelay/internal/relay"
)

func run(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	pidFile := fs.String("pid-file", "", "write process PID to file")
	logLevel := fs.String("log-level", envOr("EVENTRELAY_LOG_LEVEL", "info"), "log level (debug|info|warn|error)")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	watch := fs.Bool("watch", false, "watch the dotenv file and re-apply the log level on change")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger, levelVar, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	slog.SetDefault(logger)

	releasePIDFile, err := claimPIDFile(strings.TrimSpace(*pidFile))
	if err != nil {
		logger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	if strings.TrimSpace(*dotenvPath) != "" {
		if err := loadDotenv(strings.TrimSpace(*dotenvPath)); err != nil {
			logger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
	}

	cfg, err := loadConfigFromEnv()
	if err != nil {
		logger.Error("config_failed", slog.Any("err", err))
		return 1
	}
	logger.Info("config_ok",
		slog.String("store", cfg.StoreBackend),
		slog.String("listen", cfg.Listen),
		slog.Bool("ingest_host_set", cfg.IngestHost != ""),
	)

	appMetrics := newRuntimeMetrics()

	if cfg.TracingEnabled {
		shutdownTracing, err := initTracing(context.Background(), cfg, func(err error) {
			appMetrics.incTracingExportErrors()
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			appMetrics.incTracingInitFailures()
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		appMetrics.setTracingEnabled(true)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled")
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newQueueStore(cfg)
	if err != nil {
		logger.Error("open_queue_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = store.Close() }()
	logger.Info("queue_backend_selected", slog.String("backend", cfg.StoreBackend))
	appMetrics.queueStore = store

	deliverer := relay.NewHTTPDeliverer(cfg.IngestHost,
		relay.WithTimeout(cfg.HTTPTimeout),
		relay.WithHTTPClient(tracingHTTPClient(cfg.TracingEnabled)),
	)

	pipe := &pipeline.Pipeline{
		Store:                store,
		Deliverer:            deliverer,
		Logger:               logger,
		FlushBatchSize:       cfg.FlushBatchSize,
		ObserveSubmit:        appMetrics.observeSubmit,
		ObserveFlush:         appMetrics.observeFlush,
		ObserveDroppedEvents: appMetrics.observeDroppedEvents,
		ObserveCorruptRows:   appMetrics.observeCorruptRows,
	}

	pipe.OnStartup(ctx)

	creds := &credentialCache{key: cfg.APIKey}
	api := &apiServer{
		pipeline:    pipe,
		store:       store,
		defaultKey:  cfg.APIKey,
		rememberKey: creds.remember,
		logger:      logger,
	}

	apiLn, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.Error("listen_failed", slog.String("addr", cfg.Listen), slog.Any("err", err))
		return 1
	}
	apiHandler := wrapTracingHandler(cfg.TracingEnabled, "api", api.handler())
	apiHandler = withAccessLog(logger.With(slog.String("component", "api")), apiHandler)
	apiSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: apiHandler,
	}
	servers := []*http.Server{apiSrv}
	serveOnListener(logger, "api", apiSrv, apiLn, cancel)
	logger.Info("api_listening", slog.String("addr", cfg.Listen))

	if cfg.MetricsListen != "" {
		metricsLn, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			logger.Error("listen_failed", slog.String("addr", cfg.MetricsListen), slog.Any("err", err))
			return 1
		}
		metricsSrv := &http.Server{
			Addr:    cfg.MetricsListen,
			Handler: newMetricsHandler(version, time.Now(), appMetrics),
		}
		servers = append(servers, metricsSrv)
		serveOnListener(logger, "metrics", metricsSrv, metricsLn, cancel)
		logger.Info("metrics_listening", slog.String("addr", cfg.MetricsListen))
	}

	if cfg.FlushInterval > 0 {
		startPeriodicFlush(ctx, pipe, creds, cfg.FlushInterval, logger)
	}

	reapplyLogLevel := func(trigger string) {
		raw := envOr("EVENTRELAY_LOG_LEVEL", "info")
		lvl, err := parseLogLevel(raw)
		if err != nil {
			logger.Warn("log_level_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
			return
		}
		levelVar.Set(lvl)
		logger.Info("log_level_reloaded", slog.String("level", raw), slog.String("trigger", trigger))
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				reapplyLogLevel("signal_sighup")
			}
		}
	}()

	if *watch && strings.TrimSpace(*dotenvPath) != "" {
		go watchDotenv(ctx, strings.TrimSpace(*dotenvPath), logger, func() {
			if err := loadDotenvOverride(strings.TrimSpace(*dotenvPath)); err != nil {
				logger.Warn("dotenv_reload_failed", slog.Any("err", err))
				return
			}
			reapplyLogLevel("watch")
		})
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	for _, s := range servers {
		_ = s.Shutdown(shutdownCtx)
	}

	return 0
}

// credentialCache keeps the most recent live credential so background
// flushes can reuse it after the intake goes quiet.
type credentialCache struct {
	mu  sync.Mutex
	key string
}

func (c *credentialCache) remember(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	c.key = key
	c.mu.Unlock()
}

func (c *credentialCache) current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

func startPeriodicFlush(ctx context.Context, pipe *pipeline.Pipeline, creds *credentialCache, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("periodic_flush_enabled", slog.Duration("interval", interval))

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pipe.Flush(ctx, creds.current())
			}
		}
	}()
}

func newQueueStore(cfg Config) (queue.Store, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		return queue.NewSQLiteStore(cfg.DBPath,
			queue.WithSQLiteQueueCap(cfg.QueueCap),
			queue.WithSQLiteRetryCeiling(cfg.MaxRetries),
		)
	case "postgres":
		return queue.NewPostgresStore(cfg.PostgresDSN,
			queue.WithPostgresQueueCap(cfg.QueueCap),
			queue.WithPostgresRetryCeiling(cfg.MaxRetries),
		)
	case "memory":
		return queue.NewMemoryStore(
			queue.WithQueueCap(cfg.QueueCap),
			queue.WithRetryCeiling(cfg.MaxRetries),
		), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

func watchDotenv(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	if logger == nil {
		logger = slog.Default()
	}
	if reload == nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}

	logger.Info("watching_dotenv", slog.String("path", path))

	// Debounce to coalesce bursty editor/atomic-write events.
	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(200 * time.Millisecond)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(200 * time.Millisecond)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}
