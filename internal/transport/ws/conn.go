package ws

import (
	"sync"
	"time"

	"github.com/cwrk-planet/signaling-service/internal/protocol"

	"github.com/gorilla/websocket"
)

// wsConn is the transport handle bound to one participant session. It
// is exclusively owned by the gateway; the relay and registry only see
// it through the relay.Peer interface.
type wsConn struct {
	conn        *websocket.Conn
	id          string
	roomID      string
	displayName string

	sendMu chan struct{}
	closed chan struct{}

	leaveOnce sync.Once
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{
		conn:   c,
		sendMu: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) bind(id, roomID, displayName string) {
	c.id = id
	c.roomID = roomID
	c.displayName = displayName
}

func (c *wsConn) ID() string     { return c.id }
func (c *wsConn) RoomID() string { return c.roomID }

func (c *wsConn) Send(msg protocol.Envelope) error {
	c.sendMu <- struct{}{}
	defer func() { <-c.sendMu }()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	return c.conn.WriteJSON(msg)
}

func (c *wsConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}

	return c.conn.Close()
}

// closeWith sends a close frame with a specific code before dropping
// the transport. Used for pre-session rejections and shutdown.
func (c *wsConn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.Close()
}
