package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/arbrun/arbrun/internal/domain/opportunity"
)

const (
	wsWriteWait  = 5 * time.Second
	wsSendBuffer = 32
)

// resultHub streams terminal execution results to websocket
// subscribers. It implements the notification Sink interface, so it is
// registered with the broadcaster like any other sink; a slow client
// loses messages rather than stalling delivery.
type resultHub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan any
}

func newResultHub(logger zerolog.Logger) *resultHub {
	return &resultHub{
		logger: logger.With().Str("component", "http.ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *resultHub) Name() string { return "websocket" }

// DeliverResult fans res out to every connected subscriber.
func (h *resultHub) DeliverResult(_ context.Context, res opportunity.ExecutionResult) error {
	h.broadcast(map[string]any{"type": "execution_result", "data": res})
	return nil
}

// DeliverCrossChain fans an informational notice out.
func (h *resultHub) DeliverCrossChain(_ context.Context, cc opportunity.CrossChainOpportunity) error {
	h.broadcast(map[string]any{"type": "cross_chain", "data": cc})
	return nil
}

func (h *resultHub) broadcast(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Slow consumer: drop it rather than queue unboundedly.
			h.dropLocked(c)
		}
	}
}

func (h *resultHub) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn, send: make(chan any, wsSendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Int("subscribers", n).Msg("websocket subscriber connected")

	go h.writeLoop(client)
	go h.readLoop(client)
}

func (h *resultHub) writeLoop(c *wsClient) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			h.drop(c)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
	c.conn.Close()
}

// readLoop discards inbound frames; it exists to notice disconnects.
func (h *resultHub) readLoop(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *resultHub) drop(c *wsClient) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

func (h *resultHub) dropLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	c.conn.Close()
}

// close disconnects every subscriber and refuses new ones.
func (h *resultHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
}
