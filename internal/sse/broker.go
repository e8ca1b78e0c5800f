package sse

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/rathix/danmu-query/internal/watch"
)

// PathMapper turns an absolute file path into its aliased import form
// ("@/views/DanmuQuery.vue"). Defined here at the consumer; alias.Set
// satisfies it.
type PathMapper interface {
	Relative(path string) (string, bool)
}

const (
	defaultKeepaliveInterval = 15 * time.Second
	pendingBuffer            = 16
)

// sseEvent is an internal representation of a formatted SSE message ready to write.
type sseEvent struct {
	data []byte
}

// Broker manages live-reload SSE connections and broadcasts change batches.
type Broker struct {
	mapper            PathMapper
	logger            *slog.Logger
	appVersion        string
	clients           map[chan sseEvent]struct{}
	pending           chan sseEvent
	keepaliveInterval time.Duration
	mu                sync.Mutex
}

// NewBroker creates a new SSE broker. A nil mapper reports slash-separated
// absolute paths; a nil logger discards output.
func NewBroker(mapper PathMapper, logger *slog.Logger, appVersion string) *Broker {
	return newBrokerWithKeepalive(mapper, logger, appVersion, defaultKeepaliveInterval)
}

func newBrokerWithKeepalive(mapper PathMapper, logger *slog.Logger, appVersion string, keepaliveInterval time.Duration) *Broker {
	if keepaliveInterval <= 0 {
		keepaliveInterval = defaultKeepaliveInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Broker{
		mapper:            mapper,
		logger:            logger,
		appVersion:        appVersion,
		clients:           make(map[chan sseEvent]struct{}),
		pending:           make(chan sseEvent, pendingBuffer),
		keepaliveInterval: keepaliveInterval,
	}
}

// Publish queues a "reload" event for a batch of changed files. It never
// blocks; when the queue is full the batch is dropped.
func (b *Broker) Publish(changes []watch.Change) {
	if len(changes) == 0 {
		return
	}
	files := make([]string, 0, len(changes))
	for _, c := range changes {
		files = append(files, b.displayPath(c.Path))
	}
	data, err := formatSSEEvent("reload", ReloadPayload{Kind: reloadKind(files), Files: files})
	if err != nil {
		b.logger.Debug("failed to format reload event", "error", err)
		return
	}
	b.enqueue(data)
	b.logger.Info("live reload", "files", files)
}

// PublishConfig queues a "config" event after a configuration reload.
func (b *Broker) PublishConfig(errs []error) {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	data, err := formatSSEEvent("config", ConfigPayload{Errors: msgs})
	if err != nil {
		b.logger.Debug("failed to format config event", "error", err)
		return
	}
	b.enqueue(data)
}

func (b *Broker) enqueue(data []byte) {
	select {
	case b.pending <- sseEvent{data: data}:
	default:
		b.logger.Warn("SSE queue full, dropping event")
	}
}

func (b *Broker) displayPath(path string) string {
	if b.mapper != nil {
		if rel, ok := b.mapper.Relative(path); ok {
			return rel
		}
	}
	return filepath.ToSlash(path)
}

// Run broadcasts queued events to all connected clients.
// It blocks until the context is cancelled.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.closeAllClients()
			b.logger.Info("SSE broker stopped")
			return
		case evt := <-b.pending:
			b.broadcast(evt)
		}
	}
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broker) closeAllClients() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		close(ch)
		delete(b.clients, ch)
	}
}

// broadcast sends an event to all connected clients using non-blocking sends.
func (b *Broker) broadcast(evt sseEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- evt:
		default:
			// Client too slow, skip this event
		}
	}
}

func (b *Broker) addClient(ch chan sseEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[ch] = struct{}{}
	b.logger.Debug("SSE client connected", "clients", len(b.clients))
}

func (b *Broker) removeClient(ch chan sseEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, ch)
	b.logger.Debug("SSE client disconnected", "clients", len(b.clients))
}

// ServeHTTP handles SSE connections: sets headers, sends hello, and streams events.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientCh := make(chan sseEvent, 64)
	b.addClient(clientCh)
	defer b.removeClient(clientCh)

	hello, err := formatSSEEvent("hello", HelloPayload{
		AppVersion:  b.appVersion,
		KeepaliveMs: int(b.keepaliveInterval.Milliseconds()),
	})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := writeAndFlush(w, flusher, hello); err != nil {
		b.logger.Debug("failed to write hello event", "error", err)
		return
	}

	keepalive := time.NewTicker(b.keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-clientCh:
			if !ok {
				// Channel closed by broker shutdown.
				return
			}
			if err := writeAndFlush(w, flusher, evt.data); err != nil {
				b.logger.Debug("failed to write SSE event", "error", err)
				return
			}
			keepalive.Reset(b.keepaliveInterval)
		case <-keepalive.C:
			if err := writeAndFlush(w, flusher, formatKeepalive()); err != nil {
				b.logger.Debug("failed to write keepalive", "error", err)
				return
			}
		}
	}
}

func writeAndFlush(w http.ResponseWriter, flusher http.Flusher, payload []byte) error {
	if _, err := w.Write(payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
