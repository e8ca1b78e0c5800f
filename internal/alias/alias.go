// Package alias resolves symbolic import prefixes such as "@" to directories
// under the project root.
package alias

import (
	"path/filepath"
	"sort"
	"strings"
)

// DefaultAlias is the prefix that names the source root.
const DefaultAlias = "@"

// Resolver maps one alias to a directory.
type Resolver struct {
	Alias string
	Root  string
}

// New returns a resolver for alias rooted at root. The root is cleaned and
// made absolute when possible.
func New(alias, root string) Resolver {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return Resolver{Alias: alias, Root: filepath.Clean(root)}
}

// Resolve expands importPath when it begins with the alias followed by '/'
// or is the bare alias. Other paths are returned unchanged.
func (r Resolver) Resolve(importPath string) string {
	if importPath == r.Alias {
		return r.Root
	}
	rest, ok := strings.CutPrefix(importPath, r.Alias+"/")
	if !ok {
		return importPath
	}
	return filepath.Join(r.Root, filepath.FromSlash(rest))
}

// Relative is the inverse of Resolve: it rewrites a path under Root into
// alias form. It reports false for paths outside Root.
func (r Resolver) Relative(path string) (string, bool) {
	rel, err := filepath.Rel(r.Root, filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return r.Alias, true
	}
	return r.Alias + "/" + filepath.ToSlash(rel), true
}

// Set holds several resolvers. The longest matching alias wins.
type Set []Resolver

// NewSet builds a Set from an alias->root map.
func NewSet(aliases map[string]string) Set {
	s := make(Set, 0, len(aliases))
	for a, root := range aliases {
		s = append(s, New(a, root))
	}
	sort.Slice(s, func(i, j int) bool {
		if len(s[i].Alias) != len(s[j].Alias) {
			return len(s[i].Alias) > len(s[j].Alias)
		}
		return s[i].Alias < s[j].Alias
	})
	return s
}

// Resolve expands importPath with the first matching alias.
func (s Set) Resolve(importPath string) string {
	for _, r := range s {
		if out := r.Resolve(importPath); out != importPath {
			return out
		}
	}
	return importPath
}

// Relative rewrites path with the alias whose root contains it.
func (s Set) Relative(path string) (string, bool) {
	var best string
	var bestRoot int
	found := false
	for _, r := range s {
		if rel, ok := r.Relative(path); ok && len(r.Root) > bestRoot {
			best, bestRoot, found = rel, len(r.Root), true
		}
	}
	return best, found
}
