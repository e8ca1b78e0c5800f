package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gosse "github.com/tmaxmax/go-sse"

	"github.com/rathix/danmu-query/internal/accesslog"
	appconfig "github.com/rathix/danmu-query/internal/config"
	"github.com/rathix/danmu-query/internal/server"
	"github.com/rathix/danmu-query/internal/watch"
)

func TestConfigPrecedence(t *testing.T) {
	cases := []struct {
		name     string
		args     []string
		envs     map[string]string
		expected string
	}{
		{
			name:     "default value",
			args:     []string{},
			envs:     map[string]string{},
			expected: "0.0.0.0:5173",
		},
		{
			name:     "env var precedence",
			args:     []string{},
			envs:     map[string]string{"LISTEN_ADDR": ":9443"},
			expected: ":9443",
		},
		{
			name:     "flag precedence over env",
			args:     []string{"--listen-addr", ":9999"},
			envs:     map[string]string{"LISTEN_ADDR": ":9443"},
			expected: ":9999",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.envs {
				t.Setenv(k, v)
			}
			cfg, err := loadConfig(tc.args)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, cfg.ListenAddr)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	require.NoError(t, err)

	wd, _ := os.Getwd()
	assert.Equal(t, wd, cfg.ProjectRoot)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Empty(t, cfg.ConfigFile)
	assert.Empty(t, cfg.AccessLog)
	assert.Zero(t, cfg.HealthInterval)
}

func TestConfigParsesOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("HEALTH_INTERVAL", "45s")

	cfg, err := loadConfig([]string{"-log-format", "json", "-root", "/srv/danmu", "-access-log", "/tmp/proxy.jsonl"})
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 45*time.Second, cfg.HealthInterval)
	assert.Equal(t, "/srv/danmu", cfg.ProjectRoot)
	assert.Equal(t, "/tmp/proxy.jsonl", cfg.AccessLog)
}

func TestConfigRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"bad log format", []string{"-log-format", "xml"}, "unsupported log format"},
		{"bad log level", []string{"-log-level", "loud"}, "invalid log level"},
		{"bad interval", []string{"-health-interval", "soon"}, "invalid health interval"},
		{"short interval", []string{"-health-interval", "100ms"}, "at least 1s"},
		{"stray argument", []string{"serve"}, "unexpected arguments"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadConfig(tc.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLogFormatSelection(t *testing.T) {
	var buf bytes.Buffer
	jsonLogger := setupLoggerWithWriter("json", slog.LevelInfo, &buf)
	_, ok := jsonLogger.Handler().(*slog.JSONHandler)
	assert.True(t, ok, "json format should use slog.JSONHandler")

	textLogger := setupLoggerWithWriter("text", slog.LevelWarn, &buf)
	_, ok = textLogger.Handler().(*slog.JSONHandler)
	assert.False(t, ok, "text format should use the tint handler")

	textLogger.Info("hidden")
	textLogger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.NotContains(t, buf.String(), "\x1b[", "non-terminal writer must not get colour codes")
}

func TestLocalURL(t *testing.T) {
	assert.Equal(t, "http://localhost:5173/", localURL("0.0.0.0:5173", "/"))
	assert.Equal(t, "http://localhost:8080/danmu/", localURL(":8080", "danmu"))
	assert.Equal(t, "http://127.0.0.1:5173/", localURL("127.0.0.1:5173", ""))
	assert.Equal(t, "http://[::1]:5173/", localURL("[::1]:5173", "/"))
}

// newTestDevServer builds a dev server over a temp project whose /sound rule
// points at upstream.
func newTestDevServer(t *testing.T, upstream *httptest.Server, access accessWriter) (*devServer, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"),
		[]byte("<html><body><div id=\"app\"></div></body></html>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.ts"), []byte("createApp()"), 0o644))

	cfg := appconfig.Default()
	cfg.Proxy[0].Target = upstream.URL

	ds, err := newDevServer(root, cfg, devServerOptions{
		Access:   access,
		Registry: prometheus.NewRegistry(),
		Version:  "test",
	})
	require.NoError(t, err)
	return ds, root
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestDevServerRoutingAndProxy(t *testing.T) {
	var gotHost, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost, gotPath = r.Host, r.URL.Path
		w.Write([]byte("audio"))
	}))
	defer upstream.Close()

	ds, _ := newTestDevServer(t, upstream, nil)

	rec := get(t, ds.handler, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `<div id="app">`)
	assert.Contains(t, rec.Body.String(), `new EventSource("/api/events")`)

	rec = get(t, ds.handler, "/nonexistent")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, ds.handler, "/src/main.ts")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "createApp()", rec.Body.String())

	rec = get(t, ds.handler, "/sound/123.mp3")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio", rec.Body.String())
	assert.Equal(t, "/sound/123.mp3", gotPath, "identity rewrite keeps the path")
	assert.Equal(t, strings.TrimPrefix(upstream.URL, "http://"), gotHost, "changeOrigin rewrites Host")
}

func TestDevServerForwardsProxyPathsAsSent(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.RequestURI)
		mu.Unlock()
	}))
	defer upstream.Close()

	ds, _ := newTestDevServer(t, upstream, nil)

	paths := []string{"/sound//123.mp3", "/sound/a/../b.mp3", "/sound/a%2Fb.mp3"}
	for _, p := range paths {
		rec := get(t, ds.handler, p)
		assert.Equal(t, http.StatusOK, rec.Code, p)
		assert.Empty(t, rec.Header().Get("Location"), p)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, paths, seen)
}

func TestDevServerAPIEndpoints(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	ds, _ := newTestDevServer(t, upstream, nil)
	get(t, ds.handler, "/sound/1.mp3")

	rec := get(t, ds.handler, "/api/routes")
	require.Equal(t, http.StatusOK, rec.Code)
	var routesBody server.RoutesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &routesBody))
	require.Len(t, routesBody.Routes, 1)
	assert.Equal(t, "DanmuQuery", routesBody.Routes[0].Name)
	require.Len(t, routesBody.Proxy, 1)
	assert.Equal(t, "/sound", routesBody.Proxy[0].Prefix)

	rec = get(t, ds.handler, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unknown"`)

	rec = get(t, ds.handler, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `danmu_proxy_requests_total{code="200",prefix="/sound"} 1`)
}

func TestDevServerAccessLog(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer upstream.Close()

	path := filepath.Join(t.TempDir(), "proxy.jsonl")
	access := accesslog.NewFileWriter(path, accesslog.Options{}, nil)
	ds, _ := newTestDevServer(t, upstream, access)

	get(t, ds.handler, "/sound/2.mp3?x=1")
	get(t, ds.handler, "/")
	require.NoError(t, access.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var records []accesslog.Record
	s := bufio.NewScanner(f)
	for s.Scan() {
		var rec accesslog.Record
		require.NoError(t, json.Unmarshal(s.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 1, "only proxied requests are recorded")
	assert.Equal(t, http.StatusPartialContent, records[0].Code)
	assert.Equal(t, "/sound/2.mp3", records[0].Path)
	assert.Equal(t, upstream.URL+"/sound/2.mp3?x=1", records[0].Upstream)
}

func TestDevServerApplyReprobesUpstreams(t *testing.T) {
	var heads atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			heads.Add(1)
		}
	}))
	defer upstream.Close()

	ds, _ := newTestDevServer(t, upstream, nil)
	go ds.checker.Run(t.Context())

	waitForHeads := func(n int32) {
		t.Helper()
		require.Eventually(t, func() bool { return heads.Load() >= n }, 2*time.Second, 5*time.Millisecond)
	}
	waitForHeads(1)

	next := appconfig.Default()
	next.Proxy[0].Target = upstream.URL
	require.NoError(t, ds.apply(next))
	waitForHeads(2)

	require.Eventually(t, func() bool {
		rec := get(t, ds.handler, "/metrics")
		return strings.Contains(rec.Body.String(), "danmu_upstream_up{")
	}, 2*time.Second, 5*time.Millisecond, "upstream gauge repopulated after reload")
}

func TestDevServerApplySwapsConfig(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	}))
	defer upstream.Close()

	ds, _ := newTestDevServer(t, upstream, nil)

	next := appconfig.Default()
	next.Server.Base = "/danmu/"
	next.Proxy[0].Target = upstream.URL
	next.Proxy[0].Rewrite = appconfig.RewriteStrip
	require.NoError(t, ds.apply(next))

	rec := get(t, ds.handler, "/danmu/sound/3.mp3")
	assert.Equal(t, "/3.mp3", rec.Body.String(), "strip rewrite after reload")

	rec = get(t, ds.handler, "/danmu/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `new EventSource("/danmu/api/events")`)

	bad := appconfig.Default()
	bad.Proxy[0].Target = "::not a url"
	require.Error(t, ds.apply(bad))

	rec = get(t, ds.handler, "/danmu/sound/4.mp3")
	assert.Equal(t, "/4.mp3", rec.Body.String(), "failed reload keeps previous config")
}

func TestDevServerRelativeUsesActiveAliases(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	ds, root := newTestDevServer(t, upstream, nil)

	rel, ok := ds.Relative(filepath.Join(root, "src", "views", "DanmuQuery.vue"))
	assert.True(t, ok)
	assert.Equal(t, "@/views/DanmuQuery.vue", rel)

	_, ok = ds.Relative(filepath.Join(root, "index.html"))
	assert.False(t, ok)
}

func TestDevServerLiveReloadStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	ds, root := newTestDevServer(t, upstream, nil)
	ctx := t.Context()
	go ds.broker.Run(ctx)

	srv := httptest.NewServer(ds.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	events := make(chan gosse.Event, 4)
	go func() {
		defer close(events)
		gosse.Read(resp.Body, &gosse.ReadConfig{MaxEventSize: 64 << 10})(func(ev gosse.Event, err error) bool {
			if err != nil {
				return false
			}
			events <- ev
			return true
		})
	}()
	next := func() gosse.Event {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
			return gosse.Event{}
		}
	}

	hello := next()
	require.Equal(t, "hello", hello.Type)
	assert.Contains(t, hello.Data, `"keepaliveMs"`)

	deadline := time.Now().Add(time.Second)
	for ds.broker.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ds.publishChanges([]watch.Change{{Path: filepath.Join(root, "src", "main.ts")}})

	reload := next()
	assert.Equal(t, "reload", reload.Type)
	assert.Contains(t, reload.Data, `"@/main.ts"`)
}

func TestAccessWriterImplementations(t *testing.T) {
	var _ accessWriter = accesslog.NoopWriter{}
	var _ accessWriter = accesslog.NewFileWriter(filepath.Join(t.TempDir(), "x.jsonl"), accesslog.Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}
