package tcpserver

import (
	"net"
	"sync/atomic"

	"github.com/cyberinferno/go-linenet/logger"
	"github.com/cyberinferno/go-linenet/safequeue"
	"github.com/cyberinferno/go-linenet/transport"
)

// ClientHandle is the server side of one accepted connection. Network
// goroutines only enqueue onto its queues; the server's Tick drains them.
type ClientHandle struct {
	id uint32
	tr *transport.LineTransport

	messages     *safequeue.Queue[string]
	connected    *safequeue.Queue[struct{}]
	disconnected *safequeue.Queue[struct{}]

	// admitted is set once OnClientConnected has been delivered and cleared by
	// whoever delivers OnClientDisconnected.
	admitted atomic.Bool
	rejected atomic.Bool
}

func newClientHandle(id uint32, conn net.Conn, opts transport.Options, onControl func(h *ClientHandle, token string)) *ClientHandle {
	h := &ClientHandle{
		id:           id,
		messages:     safequeue.New[string](),
		connected:    safequeue.New[struct{}](),
		disconnected: safequeue.New[struct{}](),
	}

	opts.OnLine = func(line string) {
		switch line {
		case transport.PingMessage, transport.PongMessage:
			onControl(h, line)
		default:
			if !h.rejected.Load() {
				h.messages.Enqueue(line)
			}
		}
	}
	opts.OnClosed = func() { h.disconnected.Enqueue(struct{}{}) }
	opts.Logger = logger.OrNop(opts.Logger).With(logger.Field{Key: "client", Value: id})

	h.tr = transport.New(conn, opts)
	h.connected.Enqueue(struct{}{})

	return h
}

func (h *ClientHandle) start() {
	h.tr.StartReaderLoop()
	h.tr.StartWriterLoop()
}

// ID returns the identity assigned at accept time.
func (h *ClientHandle) ID() uint32 {
	return h.id
}

// RemoteAddr returns the peer address.
func (h *ClientHandle) RemoteAddr() string {
	return h.tr.RemoteAddr()
}

// Send queues text for this client.
//
// Returns:
//   - transport.ErrClosed if the connection is already closed
func (h *ClientHandle) Send(text string) error {
	return h.tr.Send(text)
}

// Close closes the connection. It is safe to call multiple times.
func (h *ClientHandle) Close() error {
	return h.tr.Close()
}

// IsClosed reports whether the connection has been closed.
func (h *ClientHandle) IsClosed() bool {
	return h.tr.IsClosed()
}

// reject closes a client that was refused admission and discards anything it
// has sent so far.
func (h *ClientHandle) reject() {
	h.rejected.Store(true)
	h.messages.Clear()
	_ = h.tr.Close()
}
