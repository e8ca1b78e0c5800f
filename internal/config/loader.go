package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rathix/danmu-query/internal/routes"
)

// Defaults used when the corresponding section is omitted.
const (
	DefaultProxyPrefix = "/sound"
	DefaultProxyTarget = "https://www.missevan.com"
	DefaultStaticDir   = "."
	DefaultSourceDir   = "./src"
)

// Default returns the built-in configuration: the "/sound" proxy to
// missevan.com, the DanmuQuery route at "/", and "@" aliased to ./src.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Base == "" {
		cfg.Server.Base = "/"
	}
	if cfg.Server.Static == "" {
		cfg.Server.Static = DefaultStaticDir
	}
	if cfg.Resolve.Alias == nil {
		cfg.Resolve.Alias = map[string]string{"@": DefaultSourceDir}
	}
	if cfg.Proxy == nil {
		changeOrigin := true
		cfg.Proxy = []ProxyEntry{{
			Prefix:       DefaultProxyPrefix,
			Target:       DefaultProxyTarget,
			ChangeOrigin: &changeOrigin,
			Rewrite:      RewriteIdentity,
		}}
	}
	if cfg.Routes == nil {
		cfg.Routes = []RouteEntry{{Path: "/", Name: "DanmuQuery", View: "DanmuQuery"}}
	}
	if cfg.Health.Interval == "" {
		cfg.Health.Interval = "30s"
	}
	if cfg.Health.Timeout == "" {
		cfg.Health.Timeout = "5s"
	}
	if cfg.AccessLog.MaxSizeMB == 0 {
		cfg.AccessLog.MaxSizeMB = 10
	}
}

// Load reads and parses a YAML configuration file at path.
// If path does not exist or is empty, it returns Default() with no errors.
// If the YAML is malformed, it returns nil config with a parse error.
// For validation errors, it returns a valid config with invalid entries stripped
// plus errors describing what was removed.
func Load(path string) (*Config, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, []error{fmt.Errorf("failed to read config file: %w", err)}
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, []error{fmt.Errorf("failed to parse config YAML: %w", err)}
	}

	validationErrors := validate(&cfg)
	applyDefaults(&cfg)
	return &cfg, validationErrors
}

func validate(cfg *Config) []error {
	var errs []error

	if cfg.Proxy != nil {
		valid := make([]ProxyEntry, 0, len(cfg.Proxy))
		seen := make(map[string]struct{}, len(cfg.Proxy))
		for i, p := range cfg.Proxy {
			if err := validateProxy(p); err != nil {
				errs = append(errs, fmt.Errorf("proxy[%d].%w", i, err))
				continue
			}
			if _, dup := seen[p.Prefix]; dup {
				errs = append(errs, fmt.Errorf("proxy[%d].prefix: duplicate prefix %q", i, p.Prefix))
				continue
			}
			seen[p.Prefix] = struct{}{}
			valid = append(valid, p)
		}
		cfg.Proxy = valid
	}

	if cfg.Routes != nil {
		valid := make([]RouteEntry, 0, len(cfg.Routes))
		seenPaths := make(map[string]struct{}, len(cfg.Routes))
		seenNames := make(map[string]struct{}, len(cfg.Routes))
		for i, r := range cfg.Routes {
			path := strings.TrimSpace(r.Path)
			name := strings.TrimSpace(r.Name)
			switch {
			case path == "":
				errs = append(errs, fmt.Errorf("routes[%d].path: required field missing", i))
				continue
			case !strings.HasPrefix(path, "/"):
				errs = append(errs, fmt.Errorf("routes[%d].path: must start with '/', got %q", i, r.Path))
				continue
			case name == "":
				errs = append(errs, fmt.Errorf("routes[%d].name: required field missing", i))
				continue
			}
			if _, ok := routes.ParseView(r.View); !ok {
				errs = append(errs, fmt.Errorf("routes[%d].view: unknown view %q", i, r.View))
				continue
			}
			key := routes.Normalize(path)
			if _, dup := seenPaths[key]; dup {
				errs = append(errs, fmt.Errorf("routes[%d].path: duplicate path %q", i, path))
				continue
			}
			if _, dup := seenNames[name]; dup {
				errs = append(errs, fmt.Errorf("routes[%d].name: duplicate name %q", i, name))
				continue
			}
			seenPaths[key] = struct{}{}
			seenNames[name] = struct{}{}
			valid = append(valid, RouteEntry{Path: path, Name: name, View: r.View})
		}
		cfg.Routes = valid
	}

	for a, dir := range cfg.Resolve.Alias {
		if strings.TrimSpace(a) == "" || strings.TrimSpace(dir) == "" {
			errs = append(errs, fmt.Errorf("resolve.alias: empty alias or directory %q -> %q", a, dir))
			delete(cfg.Resolve.Alias, a)
		}
	}

	if d, ok, err := parseDuration(cfg.Health.Interval); err != nil {
		errs = append(errs, fmt.Errorf("health.interval: %w", err))
		cfg.Health.Interval = ""
	} else if ok && d < time.Second {
		errs = append(errs, fmt.Errorf("health.interval: must be at least 1s, got %q", cfg.Health.Interval))
		cfg.Health.Interval = ""
	}
	if _, _, err := parseDuration(cfg.Health.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("health.timeout: %w", err))
		cfg.Health.Timeout = ""
	}

	return errs
}

func validateProxy(p ProxyEntry) error {
	if strings.TrimSpace(p.Prefix) == "" {
		return errors.New("prefix: required field missing")
	}
	if !strings.HasPrefix(p.Prefix, "/") {
		return fmt.Errorf("prefix: must start with '/', got %q", p.Prefix)
	}
	if strings.TrimSpace(p.Target) == "" {
		return errors.New("target: required field missing")
	}
	u, err := url.Parse(p.Target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target: must be an absolute http(s) URL, got %q", p.Target)
	}
	switch p.Rewrite {
	case "", RewriteIdentity, RewriteStrip:
	default:
		return fmt.Errorf("rewrite: must be %q or %q, got %q", RewriteIdentity, RewriteStrip, p.Rewrite)
	}
	return nil
}

func parseDuration(s string) (time.Duration, bool, error) {
	if s == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false, fmt.Errorf("invalid duration %q", s)
	}
	return d, true, nil
}

// HealthInterval returns the parsed probe interval.
func (c *Config) HealthInterval() time.Duration {
	d, _, err := parseDuration(c.Health.Interval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// HealthTimeout returns the parsed probe timeout.
func (c *Config) HealthTimeout() time.Duration {
	d, _, err := parseDuration(c.Health.Timeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}
