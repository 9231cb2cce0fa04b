package transport

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"example.com/grpclite/internal/testutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocket_ListenDial(t *testing.T) {
	ep, l := listenFor(t, "ws://127.0.0.1:0/rpc", Options{})
	serveEcho(t, l)

	c, err := Dial(context.Background(), ep, Options{})
	require.NoError(t, err)
	defer c.Close()
	roundTrip(t, c, "over websocket")
}

func TestWebSocket_SecureListenDial(t *testing.T) {
	serverCfg, clientCfg := testutil.TLSConfigPair(t, "localhost")
	ep, l := listenFor(t, "wss://127.0.0.1:0/rpc", Options{TLS: serverCfg})
	serveEcho(t, l)

	c, err := Dial(context.Background(), ep, Options{TLS: clientCfg})
	require.NoError(t, err)
	defer c.Close()
	roundTrip(t, c, "over wss")
}

func TestWebSocket_ReadSpansMessages(t *testing.T) {
	accepted := make(chan net.Conn, 1)
	srv := httptest.NewServer(WebSocketHandler(func(c net.Conn) { accepted <- c }))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWebSocket(context.Background(), url, nil)
	require.NoError(t, err)
	defer client.Close()

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never accepted")
	}
	defer server.Close()

	for _, part := range []string{"he", "llo ", "", "world"} {
		_, err := client.Write([]byte(part))
		require.NoError(t, err)
	}
	buf := make([]byte, len("hello world"))
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))

	// An orderly close ends the peer's stream with EOF.
	require.NoError(t, client.Close())
	_, err = server.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestWebSocket_TextMessageIsRejected(t *testing.T) {
	accepted := make(chan net.Conn, 1)
	srv := httptest.NewServer(WebSocketHandler(func(c net.Conn) { accepted <- c }))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	raw, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer raw.Close()
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte("not frames")))

	server := <-accepted
	defer server.Close()
	_, err = server.Read(make([]byte, 16))
	assert.ErrorIs(t, err, ErrUnexpectedMessageType)
}

func TestWebSocket_SubprotocolNegotiated(t *testing.T) {
	srv := httptest.NewServer(WebSocketHandler(func(c net.Conn) { c.Close() }))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	d := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	ws, _, err := d.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, Subprotocol, ws.Subprotocol())
}

func TestWebSocket_ListenerCloseStopsAccept(t *testing.T) {
	_, l := listenFor(t, "ws://127.0.0.1:0/", Options{})
	done := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		done <- err
	}()
	require.NoError(t, l.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Accept did not return after Close")
	}
}
