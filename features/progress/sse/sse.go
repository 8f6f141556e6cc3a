// Package sse bridges progress subscriptions onto Server-Sent Event streams.
// One request streams one topic: every published snapshot becomes a data
// frame, comment frames keep idle connections alive through proxies, and the
// stream ends after the terminal snapshot.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/weftworks/loom/runtime/ingest/progress"
	"github.com/weftworks/loom/runtime/ingest/telemetry"
)

// DefaultKeepAlive is the interval between comment frames on quiet streams.
const DefaultKeepAlive = 15 * time.Second

// Options configures the handler.
type Options struct {
	// Publisher provides the subscriptions. Required.
	Publisher progress.Publisher
	// KeepAlive overrides the comment frame interval. Zero selects
	// DefaultKeepAlive.
	KeepAlive time.Duration
	// Logger reports subscription failures. Nil selects a noop logger.
	Logger telemetry.Logger
}

// Handler streams progress topics as SSE.
type Handler struct {
	pub       progress.Publisher
	keepalive time.Duration
	logger    telemetry.Logger
}

// New returns a handler bridging the publisher's subscriptions to SSE.
func New(opts Options) (*Handler, error) {
	if opts.Publisher == nil {
		return nil, errors.New("progress publisher is required")
	}
	keepalive := opts.KeepAlive
	if keepalive <= 0 {
		keepalive = DefaultKeepAlive
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Handler{pub: opts.Publisher, keepalive: keepalive, logger: logger}, nil
}

// Mount registers the handler's route on mux.
func Mount(mux *http.ServeMux, h *Handler) {
	mux.Handle("GET /progress/{namespace}/{id}", h)
}

// ServeHTTP subscribes to the request's topic and streams frames until the
// terminal snapshot, the topic closes, or the client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	namespace, id := r.PathValue("namespace"), r.PathValue("id")
	if namespace == "" || id == "" {
		http.Error(w, "namespace and id are required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()
	sub, err := h.pub.Subscribe(ctx, namespace, id)
	if err != nil {
		h.logger.Error(ctx, "progress subscribe failed",
			"namespace", namespace, "id", id, "err", err)
		http.Error(w, "subscribe failed", http.StatusBadGateway)
		return
	}
	// The request context is already done when the client disconnects, so
	// the detach must not ride it.
	defer sub.Close(context.WithoutCancel(ctx))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case data, ok := <-sub.Events():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			if terminal(data) {
				return
			}
		}
	}
}

// terminal reports whether the frame closes its stream. Frames that do not
// decode as progress updates never do.
func terminal(data []byte) bool {
	var u progress.Update
	if err := json.Unmarshal(data, &u); err != nil {
		return false
	}
	return u.Terminal()
}
