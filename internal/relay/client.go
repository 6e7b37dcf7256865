package relay

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"cowrite/collab/internal/protocol"
	"cowrite/collab/internal/rbac"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one websocket participant in a room.
type client struct {
	conn     *websocket.Conn
	send     chan []byte
	room     *Room
	userID   string
	userName string
	role     rbac.Role
}

// reply queues a message to this client only.
func (c *client) reply(msg protocol.Message) {
	raw, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("relay: encode reply to %s: %v", c.userID, err)
		return
	}
	select {
	case c.send <- raw:
	default:
		// The room goroutine reaps slow clients on broadcast; dropping a
		// direct reply here is the same policy.
	}
}

// ServeWS upgrades the request and runs the join handshake. The first frame
// must be a join; anything else closes the socket.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: upgrade failed: %v", err)
		return
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	msg, err := protocol.Decode(raw)
	if err != nil || msg.Type != protocol.TypeJoin || msg.DocumentID == "" || msg.UserID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected join"))
		_ = conn.Close()
		return
	}
	role, ok := h.authenticate(msg)
	if !ok {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
		_ = conn.Close()
		return
	}

	room := h.room(msg.DocumentID)
	c := &client{
		conn:     conn,
		send:     make(chan []byte, 256),
		room:     room,
		userID:   msg.UserID,
		userName: msg.UserName,
		role:     role,
	}
	room.join <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.room.leave <- c
		_ = c.conn.Close()
	}()
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		msg, err := protocol.Decode(raw)
		if err != nil {
			log.Printf("relay: dropping frame from %s: %v", c.userID, err)
			continue
		}
		c.room.inbound <- inboundFrame{from: c, msg: msg}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case raw, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
