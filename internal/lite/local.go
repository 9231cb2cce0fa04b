package lite

import "net"

// NewLocalClient serves services over an in-process pipe and returns an
// Invoker connected to it. Closing the Invoker shuts both ends down.
func NewLocalClient(services *ServiceRegistry, opts Options) *Invoker {
	clientEnd, serverEnd := net.Pipe()
	server := NewServerConnection(serverEnd, services, opts)
	inv := NewInvoker(NewClientConnection(clientEnd, opts))
	inv.onClose = server.Close
	return inv
}
