package config

import (
	"errors"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/rathix/danmu-query/internal/routes"
)

func TestDefaultProxyRules(t *testing.T) {
	rules, err := Default().ProxyRules()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	r := rules[0]
	if r.MatchPrefix != "/sound" || r.Target.String() != "https://www.missevan.com" || !r.ChangeOrigin {
		t.Errorf("rule = %+v", r)
	}
	in, _ := url.Parse("/sound/123.mp3")
	if got := r.Outbound(in).String(); got != "https://www.missevan.com/sound/123.mp3" {
		t.Errorf("outbound = %q", got)
	}
}

func TestProxyRulesStripRewriteAndChangeOriginDefault(t *testing.T) {
	cfg := &Config{Proxy: []ProxyEntry{{Prefix: "/sound", Target: "https://www.missevan.com", Rewrite: RewriteStrip}}}

	rules, err := cfg.ProxyRules()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rules[0].ChangeOrigin {
		t.Error("changeOrigin should default to true")
	}
	if got := rules[0].Rewrite("/sound/123.mp3"); got != "/123.mp3" {
		t.Errorf("rewrite = %q, want /123.mp3", got)
	}
}

func TestProxyRulesInvalidEntry(t *testing.T) {
	cfg := &Config{Proxy: []ProxyEntry{{Prefix: "/sound", Target: "not a url"}}}
	if _, err := cfg.ProxyRules(); err == nil {
		t.Error("expected error for invalid target")
	}
}

func TestDefaultRouteTable(t *testing.T) {
	table, err := Default().RouteTable()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, err := table.Resolve("/")
	if err != nil || r.Name != "DanmuQuery" {
		t.Errorf("Resolve(/) = %+v, %v", r, err)
	}
	if _, err := table.Resolve("/nonexistent"); !errors.Is(err, routes.ErrNotFound) {
		t.Errorf("Resolve(/nonexistent) err = %v, want ErrNotFound", err)
	}
}

func TestAliasesAndDirs(t *testing.T) {
	root := t.TempDir()
	cfg := Default()

	aliases := cfg.Aliases(root)
	if got, want := aliases.Resolve("@/views/DanmuQuery.vue"), filepath.Join(root, "src", "views", "DanmuQuery.vue"); got != want {
		t.Errorf("alias resolve = %q, want %q", got, want)
	}
	if got := cfg.StaticDir(root); got != root {
		t.Errorf("static dir = %q, want %q", got, root)
	}
	dirs := cfg.WatchDirs(root)
	if len(dirs) != 1 || dirs[0] != filepath.Join(root, "src") {
		t.Errorf("watch dirs = %v", dirs)
	}

	cfg.Server.Watch = []string{"public", "/abs/dir"}
	dirs = cfg.WatchDirs(root)
	if len(dirs) != 2 || dirs[0] != filepath.Join(root, "public") || dirs[1] != "/abs/dir" {
		t.Errorf("explicit watch dirs = %v", dirs)
	}
}
