package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/viagen/viagen/internal/identity"
	"github.com/viagen/viagen/internal/protocol"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsQueueSize    = 8
)

// wsInbound is a client frame. A frame carrying only a message is a chat
// request; otherwise Type selects the action.
type wsInbound struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

// wsChat is one WebSocket connection. Chat requests are queued and run in
// arrival order by a single worker so the socket sees one exchange at a time.
type wsChat struct {
	h      *Handler
	ws     *websocket.Conn
	ip     string
	logger *slog.Logger
	queue  chan string

	mu            sync.Mutex
	running       bool
	current       *Exchange
	cancelPending bool
}

// HandleWebSocket serves the chat protocol over a WebSocket. Events are
// sent as the same JSON objects the SSE stream carries, and the end of an
// exchange as {"type":"done"}.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := identity.IPFromRequest(r)
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "ip", ip)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsChat{
		h:      h,
		ws:     ws,
		ip:     ip,
		logger: h.logger.With("ip", ip),
		queue:  make(chan string, wsQueueSize),
	}
	c.logger.Info("Chat WebSocket connected")

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: socket -> queue.
	go func() {
		defer wg.Done()
		defer cancel()
		defer close(c.queue)
		c.inputLoop(ctx)
	}()

	// Exchange loop: queue -> session -> socket.
	go func() {
		defer wg.Done()
		defer cancel()
		c.exchangeLoop(ctx)
	}()

	wg.Wait()
	c.logger.Info("Chat WebSocket closed")
}

func (c *wsChat) inputLoop(ctx context.Context) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				c.logger.Debug("WebSocket closed by client")
			} else {
				c.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.writeJSON(ctx, protocol.ErrorEvent("Invalid JSON body"))
			continue
		}

		switch msg.Type {
		case "", "message":
			if strings.TrimSpace(msg.Message) == "" {
				c.writeJSON(ctx, protocol.ErrorEvent(`Missing "message" field`))
				continue
			}
			if c.h.rateLimiter != nil && !c.h.rateLimiter.Allow(c.ip) {
				c.writeJSON(ctx, protocol.ErrorEvent("rate limit exceeded"))
				continue
			}
			select {
			case c.queue <- msg.Message:
			default:
				c.writeJSON(ctx, protocol.ErrorEvent("too many queued messages"))
			}
		case "cancel":
			c.cancelCurrent()
		case "reset":
			c.h.session.Reset()
			c.writeJSON(ctx, map[string]string{"type": "reset", "status": "ok"})
		case "ping":
			c.writeJSON(ctx, map[string]string{"type": "pong"})
		default:
			c.writeJSON(ctx, protocol.ErrorEvent("unknown message type: "+msg.Type))
		}
	}
}

func (c *wsChat) exchangeLoop(ctx context.Context) {
	for text := range c.queue {
		if ctx.Err() != nil {
			return
		}
		c.runOne(ctx, text)
	}
}

func (c *wsChat) runOne(ctx context.Context, text string) {
	sink := SinkFunc(func(ev protocol.Event) {
		if ev.Type == protocol.EventDone {
			c.writeJSON(ctx, map[string]string{"type": "done"})
			return
		}
		c.writeJSON(ctx, ev)
	})

	c.mu.Lock()
	c.running = true
	c.cancelPending = false
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.current = nil
		c.mu.Unlock()
	}()

	ex, err := c.h.session.SendMessage(ctx, text, sink)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		msg := "failed to start exchange"
		switch {
		case errors.Is(err, ErrNoCredentials):
			msg = noAuthMessage
		case errors.Is(err, ErrRefresh):
			msg = "Failed to refresh Claude token: " + strings.TrimPrefix(err.Error(), ErrRefresh.Error()+": ")
		default:
			c.logger.Error("Failed to start exchange", "error", err)
		}
		c.writeJSON(ctx, protocol.ErrorEvent(msg))
		c.writeJSON(ctx, map[string]string{"type": "done"})
		return
	}

	c.mu.Lock()
	c.current = ex
	pending := c.cancelPending
	c.mu.Unlock()
	if pending {
		ex.Cancel()
	}

	<-ex.Done()
}

// cancelCurrent cancels this connection's exchange. A cancel that arrives
// before the exchange has been handed back is applied once it is.
func (c *wsChat) cancelCurrent() {
	c.mu.Lock()
	ex := c.current
	if ex == nil && c.running {
		c.cancelPending = true
	}
	c.mu.Unlock()
	if ex != nil {
		ex.Cancel()
	}
}

func (c *wsChat) writeJSON(ctx context.Context, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("failed to marshal websocket frame", "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := c.ws.Write(writeCtx, websocket.MessageText, data); err != nil && ctx.Err() == nil {
		c.logger.Debug("WebSocket write error", "error", err)
	}
}
