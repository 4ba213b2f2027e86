package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The emulator serves local tooling; cross-origin pages are fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// wsConn adapts a gorilla connection to the connection manager's
// transport interface. Gorilla allows one concurrent writer, so writes
// are serialized here.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return c.conn.Close()
}

// handleWebSocket upgrades the request and runs the read loop. The
// connect dispatch happens before the loop starts: a rejected
// connection closes immediately without reading a single frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := &wsConn{conn: raw}

	// RealIP middleware already rewrote RemoteAddr from the forwarding
	// headers.
	connID, err := s.conns.Connect(r.Context(), conn, r.RemoteAddr, r.Header.Get("User-Agent"))
	if err != nil {
		conn.Close()
		return
	}

	raw.SetReadLimit(maxMessageSize)
	raw.SetPongHandler(func(string) error {
		s.conns.Touch(connID)
		return nil
	})

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			break
		}
		if err := s.conns.Message(r.Context(), connID, data); err != nil {
			s.log.Warn().Err(err).Str("connection_id", connID).Msg("message handling failed")
		}
	}
	// The request context dies with the hijacked connection; disconnect
	// dispatch still has to run.
	s.conns.Disconnect(context.Background(), connID)
}
