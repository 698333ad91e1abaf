package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/brandpulse/engine/internal/scheduler"
)

const (
	// subscriberBuffer is how many events a websocket client may fall
	// behind before it starts losing them.
	subscriberBuffer = 32

	eventWriteTimeout = 5 * time.Second
)

// hub fans the scheduler feed out to websocket subscribers. Broadcast never
// blocks; a subscriber with a full buffer loses the event.
type hub struct {
	mu     sync.Mutex
	subs   map[chan scheduler.AdminEvent]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan scheduler.AdminEvent]struct{})}
}

// run pumps feed until it is closed, then closes every subscriber so open
// websocket handlers wind down with the scheduler.
func (h *hub) run(feed <-chan scheduler.AdminEvent) {
	for ev := range feed {
		h.broadcast(ev)
	}
	h.mu.Lock()
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(ev scheduler.AdminEvent) {
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// subscribe returns an event channel and a cancel func. The channel is
// closed by cancel or by hub shutdown, whichever comes first.
func (h *hub) subscribe() (<-chan scheduler.AdminEvent, func()) {
	ch := make(chan scheduler.AdminEvent, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/v1/events. Upgrades to a websocket and streams scheduler activity
// as JSON text frames until the client disconnects or the scheduler stops.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	events, cancel := s.hub.subscribe()
	defer cancel()

	// Clients never send data frames; CloseRead surfaces disconnects
	// through the returned context.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "orchestrator shutting down")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev scheduler.AdminEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
