package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mixerkit/mixer-go-sdk/wire"
)

// pipeConn is an in-memory Conn. The test plays the server through push
// and next.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *pipeConn) WriteMessage(b []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- b:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) push(packet string) {
	c.in <- []byte(packet)
}

func (c *pipeConn) next(t *testing.T) wire.Method {
	t.Helper()
	select {
	case b := <-c.out:
		var m wire.Method
		require.NoError(t, json.Unmarshal(b, &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound packet")
		return wire.Method{}
	}
}

// scriptedServer answers every method on conn with reply(method).
func scriptedServer(t *testing.T, conn *pipeConn, reply func(m wire.Method) string) {
	go func() {
		for {
			select {
			case b := <-conn.out:
				var m wire.Method
				if err := json.Unmarshal(b, &m); err != nil {
					return
				}
				conn.push(reply(m))
			case <-conn.closed:
				return
			}
		}
	}()
}

type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]*pipeConn
	fail  map[string]error
	dials []string
	setup func(endpoint string, conn *pipeConn)
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, endpoint)
	if err := d.fail[endpoint]; err != nil {
		return nil, err
	}
	conn := newPipeConn()
	if d.conns == nil {
		d.conns = make(map[string]*pipeConn)
	}
	d.conns[endpoint] = conn
	if d.setup != nil {
		d.setup(endpoint, conn)
	}
	return conn, nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

type fakeUsers struct {
	id  uint64
	err error
}

func (u fakeUsers) CurrentUserID(ctx context.Context) (uint64, error) {
	return u.id, u.err
}

var errDialRefused = errors.New("connection refused")

type callResult struct {
	data json.RawMessage
	err  error
}

func goCall(ctx context.Context, tr *Transport, method string, args ...any) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		data, err := tr.Call(ctx, method, args...)
		ch <- callResult{data: data, err: err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("call did not complete")
		return callResult{}
	}
}

func newTestTransport(t *testing.T, opts Options) (*Transport, *pipeConn) {
	t.Helper()
	conn := newPipeConn()
	tr := NewTransport("wss://chat.test/", conn, opts)
	t.Cleanup(func() { tr.Close() })
	return tr, conn
}
