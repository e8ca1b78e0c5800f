package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rathix/danmu-query/internal/alias"
	appconfig "github.com/rathix/danmu-query/internal/config"
	"github.com/rathix/danmu-query/internal/health"
	"github.com/rathix/danmu-query/internal/metrics"
	"github.com/rathix/danmu-query/internal/proxy"
	"github.com/rathix/danmu-query/internal/routes"
	"github.com/rathix/danmu-query/internal/server"
	"github.com/rathix/danmu-query/internal/sse"
	"github.com/rathix/danmu-query/internal/watch"
)

// accessWriter is the proxy access log sink; accesslog.FileWriter and
// accesslog.NoopWriter both satisfy it.
type accessWriter interface {
	proxy.Observer
	Close() error
}

type devServerOptions struct {
	Logger         *slog.Logger
	Access         accessWriter
	Registry       *prometheus.Registry
	Transport      http.RoundTripper
	ProbeClient    health.HTTPProber
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	Version        string
}

// snapshot is everything derived from one config file revision. It is
// immutable once published.
type snapshot struct {
	cfg     *appconfig.Config
	table   *routes.Table
	proxy   *proxy.Set
	aliases alias.Set
}

// devServer ties the long-lived services (broker, checker, metrics) to the
// per-config handler chain, which is rebuilt and swapped on reload.
type devServer struct {
	root      string
	logger    *slog.Logger
	access    accessWriter
	transport http.RoundTripper
	metrics   *metrics.Recorder
	broker    *sse.Broker
	checker   *health.Checker
	handler   *server.Swappable
	state     atomic.Pointer[snapshot]
}

func newDevServer(root string, cfg *appconfig.Config, opts devServerOptions) (*devServer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.ProbeClient == nil {
		opts.ProbeClient = http.DefaultClient
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = cfg.HealthInterval()
	}

	ds := &devServer{
		root:      root,
		logger:    opts.Logger,
		access:    opts.Access,
		transport: opts.Transport,
		metrics:   metrics.New(opts.Registry),
	}
	ds.broker = sse.NewBroker(ds, opts.Logger, opts.Version)
	ds.checker = health.NewChecker(ds.rules, opts.ProbeClient, opts.HealthInterval, opts.Logger,
		health.WithTimeout(opts.HealthTimeout),
		health.WithListener(ds.metrics.ObserveUpstream),
	)

	snap, h, err := ds.build(cfg)
	if err != nil {
		return nil, err
	}
	ds.state.Store(snap)
	ds.handler = server.NewSwappable(h)
	return ds, nil
}

func (d *devServer) current() *snapshot {
	return d.state.Load()
}

// apply builds a handler chain for cfg and swaps it in. On error the
// previous chain keeps serving.
func (d *devServer) apply(cfg *appconfig.Config) error {
	snap, h, err := d.build(cfg)
	if err != nil {
		return err
	}
	d.state.Store(snap)
	d.handler.Store(h)
	d.metrics.ForgetUpstreams()
	d.checker.Trigger()
	d.metrics.Reloaded("config")
	return nil
}

func (d *devServer) build(cfg *appconfig.Config) (*snapshot, http.Handler, error) {
	table, err := cfg.RouteTable()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build route table: %w", err)
	}
	rules, err := cfg.ProxyRules()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build proxy rules: %w", err)
	}

	base := server.NormalizeBasePath(cfg.Server.Base)
	spa := server.NewSPAHandler(os.DirFS(cfg.StaticDir(d.root)), table,
		server.WithReloadClient(base+"api/events"))

	opts := []proxy.Option{
		proxy.WithLogger(d.logger),
		proxy.WithObserver(d.metrics),
	}
	if d.access != nil {
		opts = append(opts, proxy.WithObserver(d.access))
	}
	if d.transport != nil {
		opts = append(opts, proxy.WithTransport(d.transport))
	}
	set := proxy.NewSet(rules, spa, opts...)

	snap := &snapshot{
		cfg:     cfg,
		table:   table,
		proxy:   set,
		aliases: cfg.Aliases(d.root),
	}

	mux := http.NewServeMux()
	mux.Handle("GET /api/events", d.broker)
	mux.Handle("GET /api/health", d.checker)
	mux.Handle("GET /api/routes", server.RoutesHandler(func() server.RoutesResponse {
		return routesResponse(snap)
	}))
	mux.Handle("GET /metrics", d.metrics.Handler())
	mux.Handle("/", set)

	// Proxied paths bypass the mux, which would clean "/sound//x" into a
	// redirect instead of forwarding it as sent.
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := set.Match(r.URL.Path); ok {
			set.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
	h = server.NewBasePathHandler(base, h)
	h = server.AccessLog(d.logger, h, "/api/events", "/metrics", base+"api/events")
	return snap, h, nil
}

func routesResponse(s *snapshot) server.RoutesResponse {
	resp := server.RoutesResponse{Routes: s.table.All()}
	for _, r := range s.proxy.Rules() {
		resp.Proxy = append(resp.Proxy, server.ProxyRoute{
			Prefix:       r.MatchPrefix,
			Target:       r.Target.String(),
			ChangeOrigin: r.ChangeOrigin,
		})
	}
	return resp
}

// rules feeds the health checker with the active proxy rules.
func (d *devServer) rules() []proxy.Rule {
	return d.current().proxy.Rules()
}

// Relative maps a changed file to its aliased form for reload events.
func (d *devServer) Relative(path string) (string, bool) {
	return d.current().aliases.Relative(path)
}

func (d *devServer) publishChanges(changes []watch.Change) {
	d.broker.Publish(changes)
	d.metrics.Reloaded("live")
}
