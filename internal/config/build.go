package config

import (
	"fmt"
	"path/filepath"

	"github.com/rathix/danmu-query/internal/alias"
	"github.com/rathix/danmu-query/internal/proxy"
	"github.com/rathix/danmu-query/internal/routes"
)

// ProxyRules converts the proxy entries into rules, in declaration order.
// ChangeOrigin defaults to true when omitted.
func (c *Config) ProxyRules() ([]proxy.Rule, error) {
	rules := make([]proxy.Rule, 0, len(c.Proxy))
	for i, p := range c.Proxy {
		changeOrigin := true
		if p.ChangeOrigin != nil {
			changeOrigin = *p.ChangeOrigin
		}
		var rewrite proxy.RewriteFunc = proxy.Identity
		if p.Rewrite == RewriteStrip {
			rewrite = proxy.StripPrefix(p.Prefix)
		}
		r, err := proxy.NewRule(p.Prefix, p.Target, changeOrigin, rewrite)
		if err != nil {
			return nil, fmt.Errorf("proxy[%d]: %w", i, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// RouteTable builds the client-side route table.
func (c *Config) RouteTable() (*routes.Table, error) {
	rs := make([]routes.Route, 0, len(c.Routes))
	for i, r := range c.Routes {
		v, ok := routes.ParseView(r.View)
		if !ok {
			return nil, fmt.Errorf("routes[%d].view: unknown view %q", i, r.View)
		}
		rs = append(rs, routes.Route{Path: r.Path, Name: r.Name, View: v})
	}
	return routes.New(rs...)
}

// Aliases resolves the alias directories against the project root.
func (c *Config) Aliases(projectRoot string) alias.Set {
	dirs := make(map[string]string, len(c.Resolve.Alias))
	for a, dir := range c.Resolve.Alias {
		dirs[a] = resolveDir(projectRoot, dir)
	}
	return alias.NewSet(dirs)
}

// StaticDir returns the absolute directory served as the application root.
func (c *Config) StaticDir(projectRoot string) string {
	return resolveDir(projectRoot, c.Server.Static)
}

// WatchDirs returns the directories watched for live reload. When none are
// configured, the "@" alias root is watched.
func (c *Config) WatchDirs(projectRoot string) []string {
	if len(c.Server.Watch) > 0 {
		out := make([]string, 0, len(c.Server.Watch))
		for _, d := range c.Server.Watch {
			out = append(out, resolveDir(projectRoot, d))
		}
		return out
	}
	if src, ok := c.Resolve.Alias[alias.DefaultAlias]; ok {
		return []string{resolveDir(projectRoot, src)}
	}
	return nil
}

func resolveDir(root, dir string) string {
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir)
	}
	return filepath.Join(root, dir)
}
