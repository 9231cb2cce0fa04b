package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
)

// Subprotocol is the WebSocket subprotocol both sides negotiate.
const Subprotocol = "grpclite"

// ErrUnexpectedMessageType is returned by WebSocketConn.Read when the peer
// sends a text message.
var ErrUnexpectedMessageType = errors.New("transport: websocket peer sent a non-binary message")

const closeWriteWait = time.Second

// WebSocketConn presents a WebSocket as a byte stream. Each Write is sent
// as one binary message; Read concatenates incoming binary messages, so
// message boundaries carry no meaning.
type WebSocketConn struct {
	ws *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

var _ net.Conn = (*WebSocketConn)(nil)

// NewWebSocketConn wraps an established WebSocket.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

func (c *WebSocketConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				return 0, translateWebSocketError(err)
			}
			if mt != websocket.BinaryMessage {
				return 0, ErrUnexpectedMessageType
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			return n, translateWebSocketError(err)
		}
		return n, nil
	}
}

func (c *WebSocketConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, translateWebSocketError(err)
	}
	return len(p), nil
}

// Close sends a normal-closure control message and closes the socket. It is
// idempotent.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		// The peer may already be gone; its close error is not ours.
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *WebSocketConn) LocalAddr() net.Addr { return c.ws.LocalAddr() }

func (c *WebSocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WebSocketConn) SetDeadline(t time.Time) error {
	return multierr.Combine(c.ws.SetReadDeadline(t), c.ws.SetWriteDeadline(t))
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }

func (c *WebSocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// translateWebSocketError maps an orderly close to io.EOF so the byte
// stream ends the way a socket does.
func translateWebSocketError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return net.ErrClosed
	}
	return err
}

// DialWebSocket connects to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string, tlsCfg *tls.Config) (*WebSocketConn, error) {
	d := websocket.Dialer{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tlsCfg,
		Subprotocols:    []string{Subprotocol},
	}
	ws, resp, err := d.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s failed with HTTP %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s failed: %w", url, err)
	}
	return NewWebSocketConn(ws), nil
}

// WebSocketHandler upgrades requests and hands each connection to accept.
// The request context is not tied to the connection; accept owns it.
func WebSocketHandler(accept func(net.Conn)) http.Handler {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		// Callers are programs, not browsers.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied with an HTTP error.
			return
		}
		accept(NewWebSocketConn(ws))
	})
}

// wsListener serves WebSocketHandler on an HTTP server and turns upgraded
// connections into Accept results.
type wsListener struct {
	inner     net.Listener
	srv       *http.Server
	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	errMu    sync.Mutex
	serveErr error
}

func newWebSocketListener(inner net.Listener, path string) *wsListener {
	l := &wsListener{
		inner: inner,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.Handle(path, WebSocketHandler(l.enqueue))
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		err := l.srv.Serve(inner)
		if !errors.Is(err, http.ErrServerClosed) {
			l.errMu.Lock()
			l.serveErr = err
			l.errMu.Unlock()
			l.Close()
		}
	}()
	return l
}

func (l *wsListener) enqueue(c net.Conn) {
	select {
	case l.conns <- c:
	case <-l.done:
		c.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		l.errMu.Lock()
		defer l.errMu.Unlock()
		if l.serveErr != nil {
			return nil, l.serveErr
		}
		return nil, net.ErrClosed
	}
}

// Close stops the HTTP server. Connections already accepted stay open.
func (l *wsListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.closeErr = l.srv.Close()
	})
	return l.closeErr
}

func (l *wsListener) Addr() net.Addr { return l.inner.Addr() }
