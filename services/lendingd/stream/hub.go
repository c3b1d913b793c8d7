// Package stream fans ledger events out to websocket subscribers.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"nhooyr.io/websocket"

	"debtledger/core/events"
	"debtledger/core/types"
)

const (
	wsWriteTimeout     = 10 * time.Second
	defaultBufferDepth = 64
)

type subscriber struct {
	types   map[string]struct{}
	updates chan *types.Event
}

func (s *subscriber) wants(typ string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

// Hub is an events.Emitter that broadcasts every event to connected
// websocket clients. Slow clients drop events rather than stall the ledger.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	depth  int
	logger *slog.Logger

	dropped     metric.Int64Counter
	connections metric.Int64UpDownCounter
}

// NewHub constructs a hub buffering up to depth events per client.
func NewHub(depth int, logger *slog.Logger) *Hub {
	if depth <= 0 {
		depth = defaultBufferDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{subs: make(map[*subscriber]struct{}), depth: depth, logger: logger}
	meter := otel.Meter("debtledger/lendingd/stream")
	var err error
	if h.dropped, err = meter.Int64Counter("lendingd.stream.dropped_events",
		metric.WithDescription("Events dropped for lagging stream subscribers.")); err != nil {
		logger.Warn("stream dropped-events counter unavailable", slog.Any("error", err))
	}
	if h.connections, err = meter.Int64UpDownCounter("lendingd.stream.connections",
		metric.WithDescription("Connected stream subscribers.")); err != nil {
		logger.Warn("stream connections gauge unavailable", slog.Any("error", err))
	}
	return h
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	rendered := events.Render(evt)
	if rendered == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(rendered.Type) {
			continue
		}
		select {
		case sub.updates <- rendered.Clone():
		default:
			h.logger.Warn("event stream subscriber lagging", slog.String("type", rendered.Type))
			if h.dropped != nil {
				h.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", rendered.Type)))
			}
		}
	}
}

// Subscribers reports the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) subscribe(filter []string) (*subscriber, func()) {
	sub := &subscriber{updates: make(chan *types.Event, h.depth)}
	if len(filter) > 0 {
		sub.types = make(map[string]struct{}, len(filter))
		for _, typ := range filter {
			sub.types[typ] = struct{}{}
		}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	h.trackConnection(1)
	return sub, func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		h.trackConnection(-1)
	}
}

func (h *Hub) trackConnection(delta int64) {
	if h.connections != nil {
		h.connections.Add(context.Background(), delta)
	}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away. The optional "type" query parameter is a comma-separated filter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := parseFilter(r.URL.Query().Get("type"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Client frames are ignored; CloseRead cancels ctx when the peer leaves.
	ctx := conn.CloseRead(r.Context())
	sub, cancel := h.subscribe(filter)
	defer cancel()

	if err := stream(ctx, conn, sub.updates); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func stream(ctx context.Context, conn *websocket.Conn, updates <-chan *types.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-updates:
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func parseFilter(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
