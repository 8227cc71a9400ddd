package dashboard

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// wsHub manages the set of active WebSocket connections and broadcasts
// verdict events to all of them.
//
// Architecture: a single hub goroutine handles registration,
// unregistration, and broadcasting, so connections never needs a
// lock — all mutation happens in the hub goroutine via channels.
type wsHub struct {
	connections map[*wsConn]bool

	broadcastCh  chan []byte
	registerCh   chan *wsConn
	unregisterCh chan *wsConn
}

// wsConn wraps a single WebSocket connection.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex
}

// upgrader is deliberately permissive on CheckOrigin: the dashboard
// itself is restricted to loopback connections at the listener level
// (design doc Section 4.8), so origin checking here would be
// redundant.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSHub() *wsHub {
	return &wsHub{
		connections:  make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
	}
}

func (h *wsHub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("dashboard websocket client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				slog.Debug("dashboard websocket client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					delete(h.connections, conn)
					close(conn.send)
				}
			}
		}
	}
}

// broadcast sends a message to all connected clients. Non-blocking —
// a full buffer drops the message, since the live feed is best-effort
// (clients can refetch the snapshot to catch up).
func (h *wsHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("dashboard websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{
		conn: conn,
		send: make(chan []byte, 64),
	}

	d.wsHub.registerCh <- client

	go client.writePump()
	go client.readPump(d.wsHub)
}

func (c *wsConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump only drains incoming frames to detect client disconnection;
// the feed is one-directional (server to client).
func (c *wsConn) readPump(hub *wsHub) {
	defer func() {
		hub.unregisterCh <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
