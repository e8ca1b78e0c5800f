// Package health probes the proxy upstreams in the background and reports
// their reachability. Results are informational; the proxy forwards
// regardless of what the checker last saw.
package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/rathix/danmu-query/internal/proxy"
)

// HTTPProber abstracts *http.Client for testability.
type HTTPProber interface {
	Do(req *http.Request) (*http.Response, error)
}

// RuleSource returns the proxy rules currently in effect.
type RuleSource func() []proxy.Rule

// Status is the reachability of one upstream.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusUp      Status = "up"
	StatusDown    Status = "down"
)

// Upstream is the last probe result for one proxy rule.
type Upstream struct {
	Prefix          string     `json:"prefix"`
	Target          string     `json:"target"`
	Status          Status     `json:"status"`
	HTTPCode        *int       `json:"httpCode"`
	LatencyMs       *int64     `json:"latencyMs"`
	LastChecked     *time.Time `json:"lastChecked"`
	LastStateChange *time.Time `json:"lastStateChange"`
	Error           *string    `json:"error"`
}

// Listener is called after every probe with the updated result.
type Listener func(Upstream)

// Checker performs periodic HEAD probes against each proxy target origin.
type Checker struct {
	source    RuleSource
	client    HTTPProber
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	listeners []Listener
	kick      chan struct{}

	mu      sync.RWMutex
	results map[string]Upstream
}

// Option configures a Checker.
type Option func(*Checker)

// WithTimeout bounds each probe. Default is 5s.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithListener registers fn to receive every probe result.
func WithListener(fn Listener) Option {
	return func(c *Checker) {
		if fn != nil {
			c.listeners = append(c.listeners, fn)
		}
	}
}

// NewChecker creates a new health checker. If logger is nil, a no-op logger is used.
func NewChecker(source RuleSource, client HTTPProber, interval time.Duration, logger *slog.Logger, opts ...Option) *Checker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Checker{
		source:   source,
		client:   client,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger,
		kick:     make(chan struct{}, 1),
		results:  make(map[string]Upstream),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run performs an immediate check on start, then checks at the configured
// interval. It returns when ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	c.checkAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAll(ctx)
		case <-c.kick:
			c.checkAll(ctx)
			ticker.Reset(c.interval)
		}
	}
}

// Trigger asks Run for an out-of-cycle check, e.g. after the proxy rules
// changed. Calls made while one is already pending are merged.
func (c *Checker) Trigger() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Snapshot returns the current results sorted by prefix. Rules that have
// not been probed yet are reported as unknown.
func (c *Checker) Snapshot() []Upstream {
	rules := c.source()
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Upstream, 0, len(rules))
	for _, r := range rules {
		if u, ok := c.results[r.MatchPrefix]; ok && u.Target == originOf(r.Target) {
			out = append(out, u)
			continue
		}
		out = append(out, Upstream{Prefix: r.MatchPrefix, Target: originOf(r.Target), Status: StatusUnknown})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

// ServeHTTP reports the snapshot as JSON.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := struct {
		IntervalMs int64      `json:"intervalMs"`
		Upstreams  []Upstream `json:"upstreams"`
	}{
		IntervalMs: c.interval.Milliseconds(),
		Upstreams:  c.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		c.logger.Debug("failed to encode health response", "error", err)
	}
}

func (c *Checker) checkAll(ctx context.Context) {
	rules := c.source()
	c.prune(rules)
	if len(rules) == 0 {
		return
	}

	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(len(rules))
	for _, rule := range rules {
		go func(r proxy.Rule) {
			defer wg.Done()
			target := originOf(r.Target)
			c.apply(r.MatchPrefix, target, c.probe(ctx, target))
		}(rule)
	}
	wg.Wait()

	c.logger.Debug("health check cycle complete",
		"upstreams", len(rules),
		"durationMs", time.Since(start).Milliseconds(),
	)
}

// prune drops results for rules that no longer exist after a config reload.
func (c *Checker) prune(rules []proxy.Rule) {
	keep := make(map[string]bool, len(rules))
	for _, r := range rules {
		keep[r.MatchPrefix] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for prefix := range c.results {
		if !keep[prefix] {
			delete(c.results, prefix)
		}
	}
}

const maxErrorLen = 256

type probeResult struct {
	status    Status
	httpCode  *int
	latencyMs int64
	err       *string
}

// probe issues a HEAD request against target. Any HTTP response below 500
// means the upstream is reachable.
func (c *Checker) probe(ctx context.Context, target string) probeResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return probeResult{status: StatusDown, err: truncate(err.Error())}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return probeResult{status: StatusDown, latencyMs: latency, err: truncate(err.Error())}
	}
	defer resp.Body.Close()

	code := resp.StatusCode
	res := probeResult{status: classifyStatus(code), httpCode: &code, latencyMs: latency}
	if res.status == StatusDown {
		res.err = truncate(resp.Status)
	}
	return res
}

func (c *Checker) apply(prefix, target string, res probeResult) {
	now := time.Now()

	c.mu.Lock()
	prev, seen := c.results[prefix]
	u := Upstream{
		Prefix:      prefix,
		Target:      target,
		Status:      res.status,
		HTTPCode:    res.httpCode,
		LatencyMs:   &res.latencyMs,
		LastChecked: &now,
		Error:       res.err,
	}
	if seen && prev.Target == target && prev.Status == res.status {
		u.LastStateChange = prev.LastStateChange
	} else {
		u.LastStateChange = &now
	}
	c.results[prefix] = u
	c.mu.Unlock()

	if !seen || prev.Status != res.status {
		from := StatusUnknown
		if seen {
			from = prev.Status
		}
		c.logger.Info("upstream health changed",
			"prefix", prefix,
			"target", target,
			"from", string(from),
			"to", string(res.status),
		)
	}
	for _, l := range c.listeners {
		l(u)
	}
}

func classifyStatus(code int) Status {
	if code >= http.StatusInternalServerError {
		return StatusDown
	}
	return StatusUp
}

// originOf returns the scheme://host[/path] the rule forwards to, without
// any query.
func originOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	o := url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}
	if o.Path == "" {
		o.Path = "/"
	}
	return o.String()
}

func truncate(s string) *string {
	if len(s) > maxErrorLen {
		s = s[:maxErrorLen]
	}
	return &s
}
