package server

import (
	"encoding/json"
	"net/http"

	"github.com/rathix/danmu-query/internal/routes"
)

// ProxyRoute is the JSON form of one proxy rule in the /api/routes listing.
type ProxyRoute struct {
	Prefix       string `json:"prefix"`
	Target       string `json:"target"`
	ChangeOrigin bool   `json:"changeOrigin"`
}

// RoutesResponse is the body of GET /api/routes.
type RoutesResponse struct {
	Routes []routes.Route `json:"routes"`
	Proxy  []ProxyRoute   `json:"proxy"`
}

// RoutesHandler serves the active route table and proxy rules as JSON.
func RoutesHandler(current func() RoutesResponse) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, current())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
