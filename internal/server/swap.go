package server

import (
	"net/http"
	"sync/atomic"
)

// Swappable is an http.Handler whose target can be replaced while serving.
// Config reload builds a complete new handler chain and swaps it in; requests
// already in flight finish on the old one.
type Swappable struct {
	current atomic.Pointer[http.Handler]
}

// NewSwappable returns a Swappable serving h.
func NewSwappable(h http.Handler) *Swappable {
	s := &Swappable{}
	s.Store(h)
	return s
}

// Store replaces the active handler.
func (s *Swappable) Store(h http.Handler) {
	s.current.Store(&h)
}

func (s *Swappable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.current.Load()).ServeHTTP(w, r)
}
