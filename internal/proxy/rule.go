package proxy

import (
	"fmt"
	"net/url"
	"strings"
)

// RewriteFunc maps an inbound request path to the path sent upstream.
// It must return a valid path for every input its rule can match.
type RewriteFunc func(path string) string

// Identity passes the path through unmodified.
func Identity(path string) string {
	return path
}

// StripPrefix returns a rewrite that removes prefix from the path. The result
// always starts with '/'.
func StripPrefix(prefix string) RewriteFunc {
	return func(path string) string {
		p := strings.TrimPrefix(path, prefix)
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		return p
	}
}

// Rule forwards requests whose path starts with MatchPrefix to Target.
// A Rule is immutable once built.
type Rule struct {
	MatchPrefix  string
	Target       *url.URL
	Rewrite      RewriteFunc
	ChangeOrigin bool
}

// NewRule validates its inputs and builds a Rule. A nil rewrite means Identity.
func NewRule(prefix, target string, changeOrigin bool, rewrite RewriteFunc) (Rule, error) {
	if !strings.HasPrefix(prefix, "/") {
		return Rule{}, fmt.Errorf("proxy prefix must start with '/', got %q", prefix)
	}
	u, err := url.Parse(target)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid proxy target %q: %w", target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Rule{}, fmt.Errorf("proxy target %q: scheme must be http or https", target)
	}
	if u.Host == "" {
		return Rule{}, fmt.Errorf("proxy target %q: missing host", target)
	}
	if rewrite == nil {
		rewrite = Identity
	}
	return Rule{
		MatchPrefix:  prefix,
		Target:       u,
		Rewrite:      rewrite,
		ChangeOrigin: changeOrigin,
	}, nil
}

// Matches reports whether path is eligible for this rule. Matching is a plain
// string prefix test, so "/sound" also matches "/soundtrack".
func (r Rule) Matches(path string) bool {
	return strings.HasPrefix(path, r.MatchPrefix)
}

// Outbound returns the upstream URL for an inbound request URL: the target
// origin joined with the rewritten path, query preserved. The rewrite sees
// the escaped path, so encodings such as %2F reach the upstream intact.
func (r Rule) Outbound(in *url.URL) *url.URL {
	rewrite := r.Rewrite
	if rewrite == nil {
		rewrite = Identity
	}
	out := *r.Target
	escaped := joinPath(r.Target.EscapedPath(), rewrite(in.EscapedPath()))
	out.Path, out.RawPath = escaped, ""
	if p, err := url.PathUnescape(escaped); err == nil {
		out.Path, out.RawPath = p, escaped
	}
	out.RawQuery = in.RawQuery
	out.Fragment = ""
	return &out
}

func joinPath(base, path string) string {
	switch {
	case base == "" || base == "/":
		return path
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base + path[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	}
	return base + path
}
