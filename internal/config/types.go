package config

// Config is the top-level configuration parsed from the YAML config file.
type Config struct {
	Server    ServerConfig    `yaml:"server"    json:"server"`
	Resolve   ResolveConfig   `yaml:"resolve"   json:"resolve"`
	Proxy     []ProxyEntry    `yaml:"proxy"     json:"proxy"`
	Routes    []RouteEntry    `yaml:"routes"    json:"routes"`
	Health    HealthConfig    `yaml:"health"    json:"health"`
	AccessLog AccessLogConfig `yaml:"accessLog" json:"accessLog"`
}

// ServerConfig controls how the dev server serves the application.
type ServerConfig struct {
	// Base is the public base path the app is served under.
	Base string `yaml:"base" json:"base"`
	// Static is the directory, relative to the project root, holding
	// index.html and static assets.
	Static string `yaml:"static" json:"static"`
	// Watch lists directories, relative to the project root, whose changes
	// trigger a browser reload. Defaults to the "@" alias root.
	Watch []string `yaml:"watch" json:"watch"`
}

// ResolveConfig carries import path aliases, e.g. "@" -> "./src".
type ResolveConfig struct {
	Alias map[string]string `yaml:"alias" json:"alias"`
}

// Rewrite modes for ProxyEntry.Rewrite.
const (
	RewriteIdentity = "identity"
	RewriteStrip    = "strip"
)

// ProxyEntry forwards requests under Prefix to Target.
type ProxyEntry struct {
	Prefix       string `yaml:"prefix"       json:"prefix"`
	Target       string `yaml:"target"       json:"target"`
	ChangeOrigin *bool  `yaml:"changeOrigin" json:"changeOrigin"`
	Rewrite      string `yaml:"rewrite"      json:"rewrite"`
}

// RouteEntry declares a client-side route.
type RouteEntry struct {
	Path string `yaml:"path" json:"path"`
	Name string `yaml:"name" json:"name"`
	View string `yaml:"view" json:"view"`
}

// HealthConfig controls upstream probing.
type HealthConfig struct {
	Interval string `yaml:"interval" json:"interval"`
	Timeout  string `yaml:"timeout"  json:"timeout"`
}

// AccessLogConfig controls the JSONL log of proxied exchanges.
type AccessLogConfig struct {
	File       string `yaml:"file"       json:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"  json:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" json:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" json:"maxAgeDays"`
}
