package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// Hub fans scan decisions out to live WebSocket subscribers. Slow
// subscribers drop events rather than blocking publishers.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan interface{}]struct{}
	logger *slog.Logger
}

// NewHub creates an event hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[chan interface{}]struct{}),
		logger: logger.With("component", "events"),
	}
}

// Publish delivers v to every subscriber without blocking.
func (h *Hub) Publish(v interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribe registers a new subscriber channel.
func (h *Hub) Subscribe() chan interface{} {
	ch := make(chan interface{}, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(ch chan interface{}) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeWS upgrades the request and streams one JSON event per scan
// decision until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS is handled at the API layer
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	ctx := r.Context()
	h.logger.Info("event subscriber connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to marshal event", "error", err)
				continue
			}
			if err := h.write(ctx, conn, data); err != nil {
				h.logger.Info("event subscriber disconnected", "remote", r.RemoteAddr)
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
