package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// InProcess is a loopback network whose connections are net.Pipe pairs.
// Names are unique per InProcess value; there is no global namespace.
type InProcess struct {
	mu        sync.Mutex
	listeners map[string]*pipeListener
}

// NewInProcess returns an empty in-process network.
func NewInProcess() *InProcess {
	return &InProcess{listeners: make(map[string]*pipeListener)}
}

// Listen binds name until the returned listener is closed.
func (n *InProcess) Listen(name string) (net.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.listeners[name]; taken {
		return nil, fmt.Errorf("%w: inproc://%s", ErrAddressInUse, name)
	}
	l := &pipeListener{
		network: n,
		addr:    pipeAddr(name),
		conns:   make(chan net.Conn),
		done:    make(chan struct{}),
	}
	n.listeners[name] = l
	return l, nil
}

// Dial connects to the listener bound to name. It blocks until the listener
// accepts, the listener closes or ctx ends.
func (n *InProcess) Dial(ctx context.Context, name string) (net.Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[name]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: inproc://%s", ErrConnectionRefused, name)
	}

	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("%w: inproc://%s", ErrConnectionRefused, name)
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

func (n *InProcess) unbind(l *pipeListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners[string(l.addr)] == l {
		delete(n.listeners, string(l.addr))
	}
}

type pipeAddr string

func (a pipeAddr) Network() string { return SchemeInProc }

func (a pipeAddr) String() string { return string(a) }

type pipeListener struct {
	network   *InProcess
	addr      pipeAddr
	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.network.unbind(l)
	})
	return nil
}

func (l *pipeListener) Addr() net.Addr { return l.addr }
