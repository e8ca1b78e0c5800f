package proxy

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"time"
)

// Exchange describes one forwarded request after the upstream answered or failed.
type Exchange struct {
	Prefix   string
	Method   string
	Path     string
	Upstream string
	Code     int
	Duration time.Duration
	Err      error
}

// Observer is notified of every forwarded request.
type Observer interface {
	Observe(Exchange)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Exchange)

// Observe calls f(ex).
func (f ObserverFunc) Observe(ex Exchange) { f(ex) }

// Option configures a Set.
type Option func(*Set)

// WithTransport sets the round tripper used to reach upstreams.
// Default is http.DefaultTransport.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *Set) {
		s.transport = rt
	}
}

// WithObserver registers an observer. It may be given more than once.
func WithObserver(o Observer) Option {
	return func(s *Set) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithLogger sets the logger used for upstream failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Set) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Set dispatches requests to the first rule, in declaration order, whose
// prefix matches the request path. Requests matching no rule go to the
// fallback handler.
type Set struct {
	rules     []Rule
	handlers  []http.Handler
	fallback  http.Handler
	transport http.RoundTripper
	observers []Observer
	logger    *slog.Logger
}

// NewSet builds a dispatcher over rules. A nil fallback answers 404.
func NewSet(rules []Rule, fallback http.Handler, opts ...Option) *Set {
	if fallback == nil {
		fallback = http.NotFoundHandler()
	}
	s := &Set{
		rules:    append([]Rule(nil), rules...),
		fallback: fallback,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = make([]http.Handler, len(s.rules))
	for i, r := range s.rules {
		s.handlers[i] = s.newForwarder(r)
	}
	return s
}

// Rules returns a copy of the configured rules.
func (s *Set) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

// Match returns the rule that would handle path.
func (s *Set) Match(path string) (Rule, bool) {
	i := s.index(path)
	if i < 0 {
		return Rule{}, false
	}
	return s.rules[i], true
}

func (s *Set) index(path string) int {
	for i, r := range s.rules {
		if r.Matches(path) {
			return i
		}
	}
	return -1
}

func (s *Set) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if i := s.index(r.URL.Path); i >= 0 {
		s.handlers[i].ServeHTTP(w, r)
		return
	}
	s.fallback.ServeHTTP(w, r)
}

type errKey struct{}

// newForwarder builds the reverse proxy for a single rule. The upstream
// response is relayed verbatim; failures become 502 with no retry.
func (s *Set) newForwarder(rule Rule) http.Handler {
	rp := &httputil.ReverseProxy{
		Transport: s.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = rule.Outbound(pr.In.URL)
			pr.SetXForwarded()
			if rule.ChangeOrigin {
				pr.Out.Host = rule.Target.Host
			} else {
				pr.Out.Host = pr.In.Host
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Warn("upstream request failed",
				"prefix", rule.MatchPrefix,
				"upstream", rule.Target.Host,
				"path", r.URL.Path,
				"error", err,
			)
			if holder, ok := r.Context().Value(errKey{}).(*error); ok {
				*holder = err
			}
			http.Error(w, "bad gateway: "+err.Error(), http.StatusBadGateway)
		},
	}

	if len(s.observers) == 0 {
		return rp
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var upstreamErr error
		r = r.WithContext(withErrHolder(r.Context(), &upstreamErr))
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		rp.ServeHTTP(rec, r)

		ex := Exchange{
			Prefix:   rule.MatchPrefix,
			Method:   r.Method,
			Path:     r.URL.Path,
			Upstream: rule.Outbound(r.URL).String(),
			Code:     rec.code,
			Duration: time.Since(start),
			Err:      upstreamErr,
		}
		for _, o := range s.observers {
			o.Observe(ex)
		}
	})
}
