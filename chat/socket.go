package chat

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// closeFrameTimeout bounds the close frame write on Close.
const closeFrameTimeout = time.Second

// Conn is one open socket carrying whole text messages.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn to a chat endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// WSDialer dials chat endpoints over WebSocket.
type WSDialer struct {
	Timeout time.Duration
	Header  http.Header
}

// Dial performs the WebSocket handshake.
func (d WSDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	dialer := ws.Dialer{Timeout: d.Timeout}
	if len(d.Header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(d.Header)
	}
	conn, br, _, err := dialer.Dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return newWSConn(conn, br), nil
}

// wsConn adapts a client-side WebSocket. Frames the server sends right after
// the handshake may already sit in the handshake reader, so reads go through
// it when present. Every frame reaches the socket in a single locked Write
// since the reader answers control frames on the same connection.
type wsConn struct {
	conn net.Conn
	r    io.Reader
	wmu  sync.Mutex
}

func newWSConn(conn net.Conn, br *bufio.Reader) *wsConn {
	c := &wsConn{conn: conn, r: conn}
	if br != nil {
		c.r = br
	}
	return c
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.Write(p)
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	rw := struct {
		io.Reader
		io.Writer
	}{c.r, c}
	data, _, err := wsutil.ReadServerData(rw)
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.writeFrame(ws.OpText, data)
}

// Close sends a close frame when the socket is writable and then closes it.
// A writer stuck on a peer that stopped reading holds wmu; the close frame is
// skipped in that case and closing the socket unblocks the writer.
func (c *wsConn) Close() error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(closeFrameTimeout))
	if c.wmu.TryLock() {
		var buf bytes.Buffer
		if err := wsutil.WriteClientMessage(&buf, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, "")); err == nil {
			_, _ = c.conn.Write(buf.Bytes())
		}
		c.wmu.Unlock()
	}
	return c.conn.Close()
}

func (c *wsConn) writeFrame(op ws.OpCode, payload []byte) error {
	var buf bytes.Buffer
	if err := wsutil.WriteClientMessage(&buf, op, payload); err != nil {
		return err
	}
	_, err := c.Write(buf.Bytes())
	return err
}
