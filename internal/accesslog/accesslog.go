// Package accesslog appends one JSON line per proxied exchange to a
// size-rotated file.
package accesslog

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"

	"github.com/rathix/danmu-query/internal/proxy"
)

// Record is one proxied exchange.
type Record struct {
	Timestamp time.Time `json:"ts"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Upstream  string    `json:"upstream"`
	Code      int       `json:"code"`
	Ms        int64     `json:"ms"`
	Error     string    `json:"error,omitempty"`
}

// FromExchange converts a proxy exchange into a Record stamped with now.
func FromExchange(ex proxy.Exchange, now time.Time) Record {
	rec := Record{
		Timestamp: now.UTC(),
		Method:    ex.Method,
		Path:      ex.Path,
		Upstream:  ex.Upstream,
		Code:      ex.Code,
		Ms:        ex.Duration.Milliseconds(),
	}
	if ex.Err != nil {
		rec.Error = ex.Err.Error()
	}
	return rec
}

// Writer persists access records.
type Writer interface {
	Record(Record) error
	Close() error
}

// Options controls file rotation. Zero values take lumberjack's defaults
// except MaxSizeMB, which defaults to 10.
type Options struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// FileWriter implements Writer by appending JSONL through a rotating file.
type FileWriter struct {
	mu     sync.Mutex
	out    io.WriteCloser
	logger *slog.Logger
}

// NewFileWriter opens path for appending, rotating once it exceeds
// MaxSizeMB. The file and its directory are created on first write. If
// logger is nil, a no-op logger is used.
func NewFileWriter(path string, opts Options, logger *slog.Logger) *FileWriter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	return &FileWriter{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxAge:     opts.MaxAgeDays,
			MaxBackups: opts.MaxBackups,
			LocalTime:  true,
			Compress:   false,
		},
		logger: logger,
	}
}

// Record marshals rec as JSON and appends it as a single line.
func (w *FileWriter) Record(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.out.Write(data); err != nil {
		w.logger.Error("failed to write access record", "error", err)
		return err
	}
	return nil
}

// Observe records a proxy exchange. Write errors are logged, not returned.
func (w *FileWriter) Observe(ex proxy.Exchange) {
	_ = w.Record(FromExchange(ex, time.Now()))
}

// Close closes the underlying file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Close()
}

// NoopWriter is a Writer that discards all records.
type NoopWriter struct{}

// Record discards the record and returns nil.
func (NoopWriter) Record(Record) error { return nil }

// Observe discards the exchange.
func (NoopWriter) Observe(proxy.Exchange) {}

// Close is a no-op and returns nil.
func (NoopWriter) Close() error { return nil }
