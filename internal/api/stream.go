package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/ahrdadan/fcumcp/internal/events"
)

func (h *Handler) listenerAdded() {
	if h.metrics != nil {
		h.metrics.EventListeners.Inc()
	}
}

func (h *Handler) listenerRemoved() {
	if h.metrics != nil {
		h.metrics.EventListeners.Dec()
	}
}

// StreamEvents streams tool events as server-sent events.
// ?user= narrows the stream to one user.
func (h *Handler) StreamEvents(c *fiber.Ctx) error {
	user := c.Query("user", events.AllUsers)

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	sub := h.hub.Subscribe(user)
	h.listenerAdded()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer h.listenerRemoved()
		defer h.hub.Unsubscribe(user, sub)

		h.writeEvents(w, sub)
	})

	return nil
}

// writeEvents copies events from sub to w until the hub closes or a flush
// fails. Comment heartbeats keep flushing while sub is quiet.
func (h *Handler) writeEvents(w *bufio.Writer, sub <-chan events.Event) {
	fmt.Fprint(w, ": connected\n\n")
	if err := w.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Tool, data)
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
		}
		if err := w.Flush(); err != nil {
			h.logger.Debug("event stream closed", zap.Error(err))
			return
		}
	}
}

// HandleWebSocket streams tool events over a WebSocket until the client goes away.
// ?user= narrows the stream to one user.
func (h *Handler) HandleWebSocket(c *websocket.Conn) {
	user := c.Query("user", events.AllUsers)

	sub := h.hub.Subscribe(user)
	defer h.hub.Unsubscribe(user, sub)

	h.listenerAdded()
	defer h.listenerRemoved()

	// Reads only detect the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				_ = c.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.WriteJSON(event); err != nil {
				h.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}
