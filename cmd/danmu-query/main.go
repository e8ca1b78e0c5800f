package main

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
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rathix/danmu-query/internal/accesslog"
	appconfig "github.com/rathix/danmu-query/internal/config"
	"github.com/rathix/danmu-query/internal/server"
	"github.com/rathix/danmu-query/internal/watch"
)

const defaultAddr = "0.0.0.0:5173"

// Version is injected at build time using ldflags.
var Version = "(unknown)"

// config holds process-level settings. Project settings (proxy rules,
// routes, aliases) live in the YAML file.
type config struct {
	ShowVersion    bool
	ListenAddr     string
	ConfigFile     string
	ProjectRoot    string
	LogFormat      string
	LogLevel       slog.Level
	AccessLog      string
	HealthInterval time.Duration // zero means use the config file value
}

func main() {
	// Quick check for version flag before full config loading
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Printf("Danmu Query dev server version %s\n", Version)
			return
		}
	}

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses flags and environment variables with precedence: Flag > Env > Default.
func loadConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("danmu-query", flag.ContinueOnError)

	cfg := config{}
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", getEnv("LISTEN_ADDR", defaultAddr), "listen address")
	fs.StringVar(&cfg.ConfigFile, "config", getEnv("CONFIG_FILE", ""), "path to YAML dev server config (optional)")
	fs.StringVar(&cfg.ProjectRoot, "root", getEnv("PROJECT_ROOT", "."), "project root containing index.html and src/")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "log format (text or json)")
	fs.StringVar(&cfg.AccessLog, "access-log", getEnv("ACCESS_LOG", ""), "path to proxy access log JSONL file (overrides config)")

	logLevelStr := getEnv("LOG_LEVEL", "info")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "log level (debug, info, warn, error)")

	healthIntervalStr := getEnv("HEALTH_INTERVAL", "")
	fs.StringVar(&healthIntervalStr, "health-interval", healthIntervalStr, "upstream health check interval (overrides config, default 30s)")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if fs.NArg() > 0 {
		return config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if healthIntervalStr != "" {
		interval, err := time.ParseDuration(healthIntervalStr)
		if err != nil {
			return config{}, fmt.Errorf("invalid health interval %q: %w", healthIntervalStr, err)
		}
		if interval < time.Second {
			return config{}, fmt.Errorf("health interval must be at least 1s, got %q", healthIntervalStr)
		}
		cfg.HealthInterval = interval
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(logLevelStr)); err != nil {
		return config{}, fmt.Errorf("invalid log level %q: %w", logLevelStr, err)
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return config{}, fmt.Errorf("unsupported log format %q: must be \"json\" or \"text\"", cfg.LogFormat)
	}

	root, err := filepath.Abs(cfg.ProjectRoot)
	if err != nil {
		return config{}, fmt.Errorf("invalid project root %q: %w", cfg.ProjectRoot, err)
	}
	cfg.ProjectRoot = root

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func setupLogger(format string, level slog.Level) *slog.Logger {
	return setupLoggerWithWriter(format, level, os.Stderr)
}

// setupLoggerWithWriter builds a coloured tint handler for text output and
// a JSON handler otherwise. Colour is only used when w is a terminal.
func setupLoggerWithWriter(format string, level slog.Level, w io.Writer) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
		w = colorable.NewColorable(f)
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
	}))
}

// run starts the dev server and handles graceful shutdown.
func run(ctx context.Context, cfg config) error {
	logger := setupLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("Starting Danmu Query dev server", "version", Version, "root", cfg.ProjectRoot)

	fileCfg := appconfig.Default()
	if cfg.ConfigFile != "" {
		loaded, errs := appconfig.Load(cfg.ConfigFile)
		if loaded == nil {
			return fmt.Errorf("failed to load config %s: %w", cfg.ConfigFile, errors.Join(errs...))
		}
		for _, e := range errs {
			slog.Warn("Config validation warning", "error", e)
		}
		fileCfg = loaded
	}

	accessPath := cfg.AccessLog
	if accessPath == "" && fileCfg.AccessLog.File != "" {
		accessPath = fileCfg.AccessLog.File
		if !filepath.IsAbs(accessPath) {
			accessPath = filepath.Join(cfg.ProjectRoot, accessPath)
		}
	}
	var access accessWriter = accesslog.NoopWriter{}
	if accessPath != "" {
		access = accesslog.NewFileWriter(accessPath, accesslog.Options{
			MaxSizeMB:  fileCfg.AccessLog.MaxSizeMB,
			MaxBackups: fileCfg.AccessLog.MaxBackups,
			MaxAgeDays: fileCfg.AccessLog.MaxAgeDays,
		}, logger)
		slog.Info("Proxy access log enabled", "file", accessPath)
	}
	defer access.Close()

	interval := cfg.HealthInterval
	if interval == 0 {
		interval = fileCfg.HealthInterval()
	}

	ds, err := newDevServer(cfg.ProjectRoot, fileCfg, devServerOptions{
		Logger:         logger,
		Access:         access,
		Registry:       prometheus.NewRegistry(),
		ProbeClient:    &http.Client{Timeout: 10 * time.Second},
		HealthInterval: interval,
		HealthTimeout:  fileCfg.HealthTimeout(),
		Version:        Version,
	})
	if err != nil {
		return err
	}
	for _, r := range ds.current().proxy.Rules() {
		slog.Info("Proxy rule", "prefix", r.MatchPrefix, "target", r.Target.String(), "changeOrigin", r.ChangeOrigin)
	}

	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()

	go ds.broker.Run(ctx)
	go ds.checker.Run(ctx)

	// Live reload: source changes are pushed to connected browsers.
	watchDirs := fileCfg.WatchDirs(cfg.ProjectRoot)
	sourceWatcher := watch.New(watchDirs, ds.publishChanges, logger)
	go func() {
		if err := sourceWatcher.Run(watcherCtx); err != nil && watcherCtx.Err() == nil {
			slog.Warn("source watcher stopped with error", "error", err)
		}
	}()
	slog.Info("Watching for changes", "dirs", watchDirs)

	// Config hot reload: a successful reload swaps the whole handler chain.
	if cfg.ConfigFile != "" {
		configWatcher := appconfig.NewWatcher(cfg.ConfigFile, func(newCfg *appconfig.Config, errs []error) {
			for _, e := range errs {
				if newCfg == nil {
					slog.Error("Config reload parse failed", "error", e)
				} else {
					slog.Warn("Config reload validation warning", "error", e)
				}
			}
			if newCfg == nil {
				// Keep the last-known-good config active when reload parsing fails.
				ds.broker.PublishConfig(errs)
				return
			}
			if err := ds.apply(newCfg); err != nil {
				slog.Error("Config reload rejected, keeping previous config", "error", err)
				ds.broker.PublishConfig(append(errs, err))
				return
			}
			ds.broker.PublishConfig(errs)
			slog.Info("Config reloaded",
				"proxy", len(newCfg.Proxy),
				"routes", len(newCfg.Routes),
			)
		}, logger)
		go func() {
			if err := configWatcher.Run(watcherCtx); err != nil && watcherCtx.Err() == nil {
				slog.Warn("config watcher stopped with error", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           ds.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to catch server errors
	serverError := make(chan error, 1)

	go func() {
		slog.Info("Listening", "addr", cfg.ListenAddr, "url", localURL(cfg.ListenAddr, fileCfg.Server.Base))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverError <- err
		}
	}()

	// Wait for interruption or server error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down gracefully...")
		watcherCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		slog.Info("Server stopped")
	case err := <-serverError:
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// localURL renders the address a developer would open in a browser.
func localURL(addr, base string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + server.NormalizeBasePath(base)
}
