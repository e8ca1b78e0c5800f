package routes

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Resolve when no declared route matches a path.
var ErrNotFound = errors.New("route not found")

// View identifies a page of the application. The set of views is closed and
// fixed at build time.
type View int

const (
	// ViewDanmuQuery is the danmaku query page mounted at the root path.
	ViewDanmuQuery View = iota + 1
)

var viewNames = map[View]string{
	ViewDanmuQuery: "DanmuQuery",
}

// String returns the component name of the view.
func (v View) String() string {
	if name, ok := viewNames[v]; ok {
		return name
	}
	return fmt.Sprintf("View(%d)", int(v))
}

// MarshalText encodes the view as its component name.
func (v View) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText decodes a component name.
func (v *View) UnmarshalText(b []byte) error {
	parsed, ok := ParseView(string(b))
	if !ok {
		return fmt.Errorf("unknown view %q", b)
	}
	*v = parsed
	return nil
}

// Entry returns the document the browser loads to mount the view.
// All views share the single-page entry point.
func (v View) Entry() string {
	return "index.html"
}

// ParseView maps a component name to its View.
func ParseView(name string) (View, bool) {
	for v, n := range viewNames {
		if n == name {
			return v, true
		}
	}
	return 0, false
}

// Route maps a client-visible path to the view it mounts.
type Route struct {
	Path string `json:"path"`
	Name string `json:"name"`
	View View   `json:"view"`
}

// Table is an immutable, ordered set of routes. It is safe for concurrent use.
type Table struct {
	routes []Route
	byPath map[string]int
	byName map[string]int
}

// New validates routes and builds a Table. Paths and names must be unique.
func New(routes ...Route) (*Table, error) {
	t := &Table{
		routes: make([]Route, 0, len(routes)),
		byPath: make(map[string]int, len(routes)),
		byName: make(map[string]int, len(routes)),
	}
	for i, r := range routes {
		if !strings.HasPrefix(r.Path, "/") {
			return nil, fmt.Errorf("routes[%d].path: must start with '/', got %q", i, r.Path)
		}
		if strings.TrimSpace(r.Name) == "" {
			return nil, fmt.Errorf("routes[%d].name: required field missing", i)
		}
		if _, ok := viewNames[r.View]; !ok {
			return nil, fmt.Errorf("routes[%d].view: unknown view %v", i, r.View)
		}
		path := Normalize(r.Path)
		if _, dup := t.byPath[path]; dup {
			return nil, fmt.Errorf("routes[%d].path: duplicate path %q", i, r.Path)
		}
		if _, dup := t.byName[r.Name]; dup {
			return nil, fmt.Errorf("routes[%d].name: duplicate name %q", i, r.Name)
		}
		r.Path = path
		t.byPath[path] = len(t.routes)
		t.byName[r.Name] = len(t.routes)
		t.routes = append(t.routes, r)
	}
	return t, nil
}

// Default returns the application's route table.
func Default() *Table {
	t, err := New(Route{Path: "/", Name: "DanmuQuery", View: ViewDanmuQuery})
	if err != nil {
		panic(err)
	}
	return t
}

// Resolve returns the route declared for path. Matching is exact after
// trailing-slash normalisation. Unknown paths yield an error wrapping
// ErrNotFound.
func (t *Table) Resolve(path string) (Route, error) {
	if i, ok := t.byPath[Normalize(path)]; ok {
		return t.routes[i], nil
	}
	return Route{}, fmt.Errorf("%w: %s", ErrNotFound, path)
}

// Lookup returns the route with the given name.
func (t *Table) Lookup(name string) (Route, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Route{}, false
	}
	return t.routes[i], true
}

// All returns a copy of the routes in declaration order.
func (t *Table) All() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Len returns the number of declared routes.
func (t *Table) Len() int {
	return len(t.routes)
}

// Normalize drops trailing slashes so "/a" and "/a/" name the same route.
func Normalize(path string) string {
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			return "/"
		}
	}
	return path
}
