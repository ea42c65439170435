package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/require"

	"github.com/mixerkit/mixer-go-sdk/wire"
)

// startWSServer upgrades every request and hands the server side of the
// socket to serve. The connection is closed when serve returns.
func startWSServer(t *testing.T, serve func(conn net.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readClientFrame(conn net.Conn) (ws.Frame, error) {
	f, err := ws.ReadFrame(conn)
	if err != nil {
		return f, err
	}
	return ws.UnmaskFrameInPlace(f), nil
}

func drain(conn net.Conn) {
	for {
		if _, err := readClientFrame(conn); err != nil {
			return
		}
	}
}

func TestWSDialerDeliversFrameSentWithHandshake(t *testing.T) {
	welcome := `{"type":"event","event":"WelcomeEvent","data":{"server":"chat-1"}}`
	url := startWSServer(t, func(conn net.Conn) {
		if err := ws.WriteFrame(conn, ws.NewTextFrame([]byte(welcome))); err != nil {
			return
		}
		drain(conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := WSDialer{Timeout: 2 * time.Second}.Dial(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	data, err := c.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, welcome, string(data))
}

func TestWSConnReadsThroughHandshakeReader(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	var buffered bytes.Buffer
	require.NoError(t, ws.WriteFrame(&buffered, ws.NewTextFrame([]byte(`{"type":"event","event":"WelcomeEvent"}`))))
	c := newWSConn(client, bufio.NewReader(io.MultiReader(&buffered, client)))

	data, err := c.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"event","event":"WelcomeEvent"}`, string(data))
}

func TestWSConnAnswersPingDuringCall(t *testing.T) {
	pong := make(chan ws.Frame, 1)
	url := startWSServer(t, func(conn net.Conn) {
		f, err := readClientFrame(conn)
		if err != nil {
			return
		}
		var m wire.Method
		if json.Unmarshal(f.Payload, &m) != nil {
			return
		}
		if ws.WriteFrame(conn, ws.NewPingFrame([]byte("hb"))) != nil {
			return
		}
		f, err = readClientFrame(conn)
		if err != nil {
			return
		}
		pong <- f
		reply := fmt.Sprintf(`{"type":"reply","id":%d,"data":"pong","error":null}`, m.ID)
		if ws.WriteFrame(conn, ws.NewTextFrame([]byte(reply))) != nil {
			return
		}
		drain(conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := Dial(ctx, WSDialer{}, url, Options{})
	require.NoError(t, err)
	defer tr.Close()

	data, err := tr.Call(ctx, MethodPing)
	require.NoError(t, err)
	require.JSONEq(t, `"pong"`, string(data))

	f := <-pong
	require.Equal(t, ws.OpPong, f.Header.OpCode)
	require.Equal(t, "hb", string(f.Payload))
}

func TestWSConnCloseSendsCloseFrame(t *testing.T) {
	closed := make(chan ws.Frame, 1)
	url := startWSServer(t, func(conn net.Conn) {
		if f, err := readClientFrame(conn); err == nil {
			closed <- f
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := WSDialer{}.Dial(ctx, url)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	select {
	case f := <-closed:
		require.Equal(t, ws.OpClose, f.Header.OpCode)
		code, _ := ws.ParseCloseFrameData(f.Payload)
		require.Equal(t, ws.StatusNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("server saw no close frame")
	}
}

func TestTransportCloseWithStalledPeer(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })

	conn := newWSConn(client, nil)
	tr := NewTransport("pipe://stalled", conn, Options{})
	ch := goCall(context.Background(), tr, MethodPing)

	// The peer never reads, so the write loop parks inside Write holding wmu.
	require.Eventually(t, func() bool {
		if conn.wmu.TryLock() {
			conn.wmu.Unlock()
			return false
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- tr.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind a stalled write")
	}

	require.ErrorIs(t, await(t, ch).err, ErrClosed)
}
