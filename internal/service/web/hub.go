package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"audiorelay/internal/shared/logger"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
)

// Message types pushed to websocket clients.
const (
	MsgStreamEvent   = "stream_event"
	MsgPoolUpdate    = "pool_update"
	MsgCatalogReload = "catalog_reload"
	MsgDashboard     = "dashboard_update"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	sendQueue    = 64
)

// WebSocketMessage is the envelope of every pushed message.
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to the connected dashboard clients. A slow client
// loses messages rather than stalling the broadcaster.
type Hub struct {
	clients    *xsync.MapOf[*client, struct{}]
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    xsync.NewMapOf[*client, struct{}](),
		broadcast:  make(chan []byte, sendQueue),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run dispatches until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.clients.Range(func(c *client, _ struct{}) bool {
				h.drop(c)
				return true
			})
			return
		case c := <-h.register:
			h.clients.Store(c, struct{}{})
			logger.Info().Str("remote_addr", c.conn.RemoteAddr().String()).Msg("WebSocket client registered.")
		case c := <-h.unregister:
			if _, ok := h.clients.Load(c); ok {
				h.drop(c)
				logger.Info().Str("remote_addr", c.conn.RemoteAddr().String()).Msg("WebSocket client unregistered.")
			}
		case message := <-h.broadcast:
			h.clients.Range(func(c *client, _ struct{}) bool {
				select {
				case c.send <- message:
				default:
					logger.Warn().Str("remote_addr", c.conn.RemoteAddr().String()).Msg("WebSocket client too slow, dropping it.")
					h.drop(c)
				}
				return true
			})
		}
	}
}

func (h *Hub) drop(c *client) {
	if _, loaded := h.clients.LoadAndDelete(c); loaded {
		close(c.send)
	}
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	return h.clients.Size()
}

// Broadcast queues a message for every client. It never blocks.
func (h *Hub) Broadcast(msgType string, data interface{}) {
	jsonMsg, err := json.Marshal(WebSocketMessage{Type: msgType, Data: data})
	if err != nil {
		logger.Error().Err(err).Str("type", msgType).Msg("Hub: Failed to marshal message")
		return
	}
	select {
	case h.broadcast <- jsonMsg:
	default:
		// Full: skip rather than log, events are frequent.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs upgrades the request and attaches the connection to hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade websocket")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendQueue)}
	select {
	case hub.register <- c:
	case <-hub.done:
		conn.Close()
		return
	}

	go c.writePump()
	// The read pump only detects the close; clients send nothing.
	go func() {
		defer func() {
			select {
			case hub.unregister <- c:
			case <-hub.done:
			}
			conn.Close()
		}()
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn().Err(err).Msg("Unexpected websocket close error")
				}
				return
			}
		}
	}()
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
