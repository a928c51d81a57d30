package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mescon/pixelarr/internal/domain"
	"github.com/mescon/pixelarr/internal/logger"
)

// EventSource delivers every published event to a handler.
type EventSource interface {
	SubscribeAll(handler func(domain.Event))
}

// newUpgrader validates the Origin header against the configured CORS
// origins; with none configured only same-origin connections are accepted.
func newUpgrader(corsOrigins string) websocket.Upgrader {
	allowed := parseOrigins(corsOrigins)
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if corsOrigins == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			if corsOrigins == "" {
				if origin == "" {
					return true
				}
				return strings.Contains(origin, r.Host)
			}
			return allowed[origin]
		},
	}
}

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	logs bool // client asked for the live log stream
}

// WebSocketHub streams operation progress, lifecycle events and optionally
// log lines to connected clients.
type WebSocketHub struct {
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]*wsClient
	broadcast  chan wsMessage
	register   chan *wsClient
	unregister chan *websocket.Conn
	mu         sync.Mutex // guards clients and serialises writes
	logCh      chan logger.LogEntry
	done       chan struct{}
	closeOnce  sync.Once
}

// NewWebSocketHub subscribes to events (when source is non-nil) and to the
// logger and starts the hub loop.
func NewWebSocketHub(source EventSource, corsOrigins string) *WebSocketHub {
	h := &WebSocketHub{
		upgrader:   newUpgrader(corsOrigins),
		clients:    make(map[*websocket.Conn]*wsClient),
		broadcast:  make(chan wsMessage, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}

	if source != nil {
		source.SubscribeAll(func(e domain.Event) {
			h.send(wsMessage{Type: "event", Data: e})
		})
	}

	h.logCh = logger.Subscribe()
	go func() {
		for entry := range h.logCh {
			h.send(wsMessage{Type: "log", Data: entry})
		}
	}()

	go h.run()
	return h
}

func (h *WebSocketHub) send(m wsMessage) {
	select {
	case h.broadcast <- m:
	case <-h.done:
	}
}

func (h *WebSocketHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			logger.Debugf("WebSocket client connected (Total: %d)", len(h.clients))
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				if err := conn.Close(); err != nil {
					logger.Debugf("WebSocket close error: %v", err)
				}
				logger.Debugf("WebSocket client disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for conn, client := range h.clients {
				if message.Type == "log" && !client.logs {
					continue
				}
				if err := conn.WriteJSON(message); err != nil {
					// Not logged at error level: a log line here would be
					// broadcast again.
					logger.Debugf("WebSocket write failed: %v", err)
					_ = conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// HandleConnection upgrades the request and keeps the connection open until
// the client goes away. "?logs=true" adds the live log stream.
func (h *WebSocketHub) HandleConnection(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("Failed to upgrade to WebSocket: %v", err)
		return
	}
	client := &wsClient{conn: ws, logs: c.Query("logs") == "true"}
	select {
	case h.register <- client:
	case <-h.done:
		_ = ws.Close()
		return
	}

	h.mu.Lock()
	if err := ws.WriteJSON(wsMessage{Type: "ping", Data: gin.H{"timestamp": time.Now()}}); err != nil {
		logger.Debugf("Failed to send initial ping: %v", err)
	}
	h.mu.Unlock()

	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10
	)
	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Debugf("Failed to set initial read deadline: %v", err)
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			h.mu.Lock()
			if _, exists := h.clients[ws]; !exists {
				h.mu.Unlock()
				return
			}
			err := ws.WriteMessage(websocket.PingMessage, nil)
			h.mu.Unlock()
			if err != nil {
				logger.Debugf("WebSocket ping error: %v", err)
				return
			}
		}
	}()

	defer func() {
		select {
		case h.unregister <- ws:
		case <-h.done:
		}
	}()

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and stops the hub. Safe to call more than
// once.
func (h *WebSocketHub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		logger.Unsubscribe(h.logCh)
	})
}
