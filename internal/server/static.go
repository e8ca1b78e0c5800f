package server

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/rathix/danmu-query/internal/routes"
)

// SPAHandler serves the project's static files and resolves extensionless
// paths through the route table. A declared route serves its view's entry
// document; anything else is a 404. There is no catch-all fallback.
type SPAHandler struct {
	fileServer   http.Handler
	filesystem   fs.FS
	table        *routes.Table
	reloadScript []byte
}

// SPAOption configures an SPAHandler.
type SPAOption func(*SPAHandler)

// WithReloadClient injects a small script into every entry document that
// listens on eventsURL and reloads the page on "reload" events.
func WithReloadClient(eventsURL string) SPAOption {
	return func(h *SPAHandler) {
		h.reloadScript = []byte(fmt.Sprintf(reloadClient, eventsURL))
	}
}

// NewSPAHandler creates a handler over filesystem using table for route
// resolution.
func NewSPAHandler(filesystem fs.FS, table *routes.Table, opts ...SPAOption) *SPAHandler {
	h := &SPAHandler{
		fileServer: http.FileServer(http.FS(filesystem)),
		filesystem: filesystem,
		table:      table,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	urlPath := r.URL.Path
	if !strings.HasPrefix(urlPath, "/") {
		urlPath = "/" + urlPath
	}

	if urlPath != "/" {
		filePath := strings.TrimPrefix(path.Clean(urlPath), "/")
		if info, err := fs.Stat(h.filesystem, filePath); err == nil && !info.IsDir() {
			// The entry document itself also gets the reload client.
			if h.reloadScript != nil && path.Ext(filePath) == ".html" {
				h.serveEntry(w, r, filePath)
				return
			}
			h.fileServer.ServeHTTP(w, r)
			return
		}
	}

	// Paths with extensions are real file requests; no route lookup.
	// r.URL.Path is already decoded, so %2Ecss is caught here too.
	if path.Ext(urlPath) != "" {
		http.NotFound(w, r)
		return
	}

	route, err := h.table.Resolve(urlPath)
	if errors.Is(err, routes.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.serveEntry(w, r, route.View.Entry())
}

func (h *SPAHandler) serveEntry(w http.ResponseWriter, r *http.Request, name string) {
	data, err := fs.ReadFile(h.filesystem, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "failed to read entry document", http.StatusInternalServerError)
		return
	}
	if h.reloadScript != nil {
		data = injectBeforeBodyEnd(data, h.reloadScript)
	}

	var modTime time.Time
	if info, err := fs.Stat(h.filesystem, name); err == nil {
		modTime = info.ModTime()
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, name, modTime, bytes.NewReader(data))
}

func injectBeforeBodyEnd(doc, script []byte) []byte {
	i := bytes.LastIndex(bytes.ToLower(doc), []byte("</body>"))
	if i < 0 {
		return append(append([]byte{}, doc...), script...)
	}
	out := make([]byte, 0, len(doc)+len(script))
	out = append(out, doc[:i]...)
	out = append(out, script...)
	return append(out, doc[i:]...)
}

const reloadClient = `<script type="module">
const es = new EventSource(%q);
es.addEventListener("reload", (e) => {
  const p = JSON.parse(e.data);
  if (p.kind !== "css") { location.reload(); return; }
  for (const l of document.querySelectorAll('link[rel="stylesheet"]')) {
    const u = new URL(l.href);
    u.searchParams.set("t", Date.now());
    l.href = u.toString();
  }
});
</script>
`
