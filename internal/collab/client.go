package collab

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

// state is the protocol phase of one connection.
type state int

const (
	// stateConnecting: upgraded, waiting for authorization.
	stateConnecting state = iota
	// stateAuthorized: admitted, no document joined.
	stateAuthorized
	// stateJoined: at least one document joined.
	stateJoined
	stateDisconnected
)

func (s state) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthorized:
		return "authorized"
	case stateJoined:
		return "joined"
	case stateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// client is one websocket connection. Only the hub loop sends on or closes
// send, and only the hub loop touches state and joined.
type client struct {
	hub         *Hub
	conn        *websocket.Conn
	id          string
	userID      string
	workspaceID string
	send        chan []byte
	log         zerolog.Logger

	state  state
	joined map[string]struct{}
}

func (c *client) ID() string { return c.id }

// Send queues msg for the write pump without blocking.
func (c *client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("connection dropped")
			}
			return
		}
		msg, err := Decode(frame)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping client frame")
			continue
		}
		if !c.hub.deliver(c, msg) {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
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
