package server

import (
	"net/http"
	"strings"
)

// NormalizeBasePath ensures the public base path starts and ends with '/'.
func NormalizeBasePath(basePath string) string {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" || basePath == "/" {
		return "/"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if !strings.HasSuffix(basePath, "/") {
		basePath += "/"
	}
	return basePath
}

// BasePathHandler strips the configured public base path before dispatch,
// so "/danmu/sound/1.mp3" reaches the proxy as "/sound/1.mp3". Requests
// outside the base are passed through unchanged.
type BasePathHandler struct {
	basePath string
	inner    http.Handler
}

// NewBasePathHandler wraps inner. A base of "/" returns inner itself.
func NewBasePathHandler(basePath string, inner http.Handler) http.Handler {
	bp := NormalizeBasePath(basePath)
	if bp == "/" {
		return inner
	}
	return &BasePathHandler{basePath: bp, inner: inner}
}

func (h *BasePathHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// "/danmu" has no trailing slash; redirect so relative asset URLs
	// in the entry document resolve under the base.
	if r.URL.Path+"/" == h.basePath {
		target := h.basePath
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
		return
	}
	if rest, ok := strings.CutPrefix(r.URL.Path, h.basePath); ok {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/" + rest
		r2.URL.RawPath = ""
		if rawRest, ok := strings.CutPrefix(r.URL.RawPath, h.basePath); ok {
			r2.URL.RawPath = "/" + rawRest
		}
		h.inner.ServeHTTP(w, r2)
		return
	}
	h.inner.ServeHTTP(w, r)
}
