package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pliu/chatcore/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one live connection. A user may hold several (tabs, devices);
// presence counts them all.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	identity auth.Identity
}

// enqueue serializes an event onto the client's send queue, evicting the
// client if its queue is full.
func (c *Client) enqueue(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.evict(c)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		c.hub.inbound <- frame{client: c, event: ev}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// ServeWs upgrades the request and registers the connection with the hub.
// The caller must have verified the identity already.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Errorw("websocket upgrade", "err", err)
		return
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		identity: identity,
	}
	hub.register <- client

	go client.writePump()
	go client.readPump()
}
