package wsbridge

import (
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla/websocket connection to net.Conn so yamux can run
// on top of it. Binary frames only; a text frame is a protocol error.
type wsConn struct {
	c      *websocket.Conn
	reader []byte // unread tail of the current binary frame
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{c: c}
}

func (w *wsConn) Read(p []byte) (int, error) {
	for len(w.reader) == 0 {
		mt, b, err := w.c.ReadMessage()
		if err != nil {
			return 0, err
		}
		switch mt {
		case websocket.BinaryMessage:
			w.reader = b
		case websocket.TextMessage:
			return 0, errors.New("unexpected ws text message")
		default:
			// Control frames are handled by gorilla internally.
		}
	}
	n := copy(p, w.reader)
	w.reader = w.reader[n:]
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error { return w.c.Close() }

func (w *wsConn) LocalAddr() net.Addr  { return w.c.LocalAddr() }
func (w *wsConn) RemoteAddr() net.Addr { return w.c.RemoteAddr() }

func (w *wsConn) SetDeadline(t time.Time) error {
	if err := w.c.SetReadDeadline(t); err != nil {
		return err
	}
	return w.c.SetWriteDeadline(t)
}

func (w *wsConn) SetReadDeadline(t time.Time) error  { return w.c.SetReadDeadline(t) }
func (w *wsConn) SetWriteDeadline(t time.Time) error { return w.c.SetWriteDeadline(t) }
