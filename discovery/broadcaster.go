// Package discovery finds linenet servers on the local network. A
// Broadcaster sends a probe datagram to the broadcast address and waits a
// bounded time for a unicast reply; a Responder listens for probes and
// answers them.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-linenet/logger"
	"github.com/cyberinferno/go-linenet/safemap"
	"github.com/cyberinferno/go-linenet/safequeue"
)

var (
	// ErrShutdown is reported for waits cut short by Shutdown and returned by
	// Broadcast or Lookup after Shutdown.
	ErrShutdown = errors.New("discovery shut down")
	// ErrReplaced is returned by Lookup when a newer request to the same port
	// took its place.
	ErrReplaced = errors.New("discovery request replaced")
	// ErrTimeout is returned by Lookup when no reply arrived in time.
	ErrTimeout = errors.New("discovery wait timed out")
)

const (
	// DefaultWaitTime is how long a request waits for a reply.
	DefaultWaitTime = 2 * time.Second
	// DefaultBroadcastAddress is the limited broadcast address.
	DefaultBroadcastAddress = "255.255.255.255"
	// DefaultMaxDatagramSize bounds a single received datagram.
	DefaultMaxDatagramSize = 8 * 1024
)

// Config holds broadcast settings.
type Config struct {
	// WaitTime bounds each request's wait for a reply.
	WaitTime time.Duration
	// BroadcastAddress is where probes are sent.
	BroadcastAddress string
	// ListenAddress is the local address each request socket binds; empty
	// means any address and an ephemeral port.
	ListenAddress string
	// MaxDatagramSize bounds a single reply.
	MaxDatagramSize int
}

// DefaultConfig returns a 2s wait on the limited broadcast address.
func DefaultConfig() Config {
	return Config{
		WaitTime:         DefaultWaitTime,
		BroadcastAddress: DefaultBroadcastAddress,
		MaxDatagramSize:  DefaultMaxDatagramSize,
	}
}

// Callbacks are invoked from Tick only. Exactly one of them fires for every
// request that was not replaced by a newer one.
type Callbacks struct {
	OnReplyReceived func(port uint16, text string)
	OnTimeout       func(port uint16)
	OnReceiveFailed func(port uint16, err error)
}

// Broadcaster sends probes and tracks at most one pending wait per
// destination port. A new request to a port cancels the previous one.
type Broadcaster struct {
	config    Config
	callbacks Callbacks
	log       logger.Logger

	events  *safequeue.Queue[func()]
	pending *safemap.SafeMap[uint16, *request]

	// mu orders wg.Add in Broadcast against Shutdown.
	mu     sync.Mutex
	closed atomic.Bool
	wg     sync.WaitGroup
}

// request is one in-flight wait with its own socket.
type request struct {
	port   uint16
	conn   net.PacketConn
	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   func() bool
}

// NewBroadcaster creates a Broadcaster. Zero Config fields take their
// defaults.
func NewBroadcaster(config Config, callbacks Callbacks, log logger.Logger) *Broadcaster {
	if config.WaitTime <= 0 {
		config.WaitTime = DefaultWaitTime
	}
	if config.BroadcastAddress == "" {
		config.BroadcastAddress = DefaultBroadcastAddress
	}
	if config.MaxDatagramSize <= 0 {
		config.MaxDatagramSize = DefaultMaxDatagramSize
	}

	return &Broadcaster{
		config:    config,
		callbacks: callbacks,
		log:       logger.OrNop(log).With(logger.Field{Key: "component", Value: "discovery"}),
		events:    safequeue.New[func()](),
		pending:   safemap.NewSafeMap[uint16, *request](),
	}
}

// Broadcast sends payload to the broadcast address on port and waits in the
// background for one reply. The outcome is delivered through Tick.
//
// Parameters:
//   - port: Destination UDP port
//   - payload: Probe text, without line terminator
//
// Returns:
//   - ErrShutdown after Shutdown
//   - An error if the socket cannot be opened or the probe cannot be sent;
//     no callback fires in that case
func (b *Broadcaster) Broadcast(port uint16, payload string) error {
	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return ErrShutdown
	}
	b.wg.Add(1)
	b.mu.Unlock()

	req, err := b.begin(context.Background(), port, payload)
	if err != nil {
		b.wg.Done()
		return err
	}

	go func() {
		defer b.wg.Done()
		b.report(port, req.await(b.config.MaxDatagramSize))
		b.pending.CompareAndDelete(port, req)
	}()

	return nil
}

// Lookup is the blocking form of Broadcast for callers without a tick loop.
// It shares the per-port table with Broadcast, so either one replaces a
// pending request of the other on the same port.
//
// Returns:
//   - The reply text
//   - ErrTimeout, ErrReplaced, ErrShutdown, the context's error, or a
//     receive error
func (b *Broadcaster) Lookup(ctx context.Context, port uint16, payload string) (string, error) {
	req, err := b.begin(ctx, port, payload)
	if err != nil {
		return "", err
	}
	defer b.pending.CompareAndDelete(port, req)

	res := req.await(b.config.MaxDatagramSize)
	return res.text, res.err
}

// Tick invokes at most one queued outcome.
//
// Returns:
//   - true if an outcome was delivered
func (b *Broadcaster) Tick() bool {
	ev, ok := b.events.TryDequeue()
	if !ok {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			b.log.Error("callback panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()
	ev()

	return true
}

// Pending reports whether a request to port is in flight.
func (b *Broadcaster) Pending(port uint16) bool {
	return b.pending.Has(port)
}

// Shutdown cancels every pending wait, closes their sockets and waits for the
// background receivers to exit. Cancelled Broadcast requests report
// OnReceiveFailed with ErrShutdown. Calling Shutdown again does nothing.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	if !b.closed.CompareAndSwap(false, true) {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.pending.Range(func(_ uint16, req *request) bool {
		req.cancel(ErrShutdown)
		return true
	})
	b.wg.Wait()

	b.log.Info("discovery shut down")
}

func (b *Broadcaster) begin(parent context.Context, port uint16, payload string) (*request, error) {
	if b.closed.Load() {
		return nil, ErrShutdown
	}

	dst, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(b.config.BroadcastAddress, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast address: %w", err)
	}

	lc := net.ListenConfig{Control: socketControl(true, false)}
	conn, err := lc.ListenPacket(parent, "udp4", b.listenAddress())
	if err != nil {
		return nil, fmt.Errorf("open discovery socket: %w", err)
	}

	b.log.Debug("sending broadcast", logger.Field{Key: "port", Value: port}, logger.Field{Key: "to", Value: dst.String()})

	if _, err := conn.WriteTo([]byte(payload+"\n"), dst); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send broadcast to port %d: %w", port, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(b.config.WaitTime)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set discovery deadline: %w", err)
	}

	ctx, cancel := context.WithCancelCause(parent)
	req := &request{port: port, conn: conn, ctx: ctx, cancel: cancel}
	req.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })

	if prev, loaded := b.pending.Swap(port, req); loaded {
		b.log.Debug("replacing pending request", logger.Field{Key: "port", Value: port})
		prev.cancel(ErrReplaced)
	}

	// Shutdown may have swept the table before the Swap above.
	if b.closed.Load() {
		req.cancel(ErrShutdown)
	}

	return req, nil
}

func (b *Broadcaster) listenAddress() string {
	if b.config.ListenAddress == "" {
		return ":0"
	}

	if _, _, err := net.SplitHostPort(b.config.ListenAddress); err != nil {
		return net.JoinHostPort(b.config.ListenAddress, "0")
	}

	return b.config.ListenAddress
}

type result struct {
	text string
	err  error
}

// await blocks until a reply, the deadline, or cancellation.
func (r *request) await(maxSize int) result {
	defer r.stop()
	defer r.cancel(nil)
	defer r.conn.Close()

	buf := make([]byte, maxSize)
	n, _, err := r.conn.ReadFrom(buf)

	if cause := context.Cause(r.ctx); cause != nil {
		return result{err: cause}
	}

	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return result{err: ErrTimeout}
		}

		return result{err: fmt.Errorf("receive on port %d: %w", r.port, err)}
	}

	return result{text: strings.TrimRight(strings.ToValidUTF8(string(buf[:n]), "\uFFFD"), "\r\n")}
}

func (b *Broadcaster) report(port uint16, res result) {
	switch {
	case res.err == nil:
		b.log.Debug("reply received", logger.Field{Key: "port", Value: port})
		b.events.Enqueue(func() {
			if b.callbacks.OnReplyReceived != nil {
				b.callbacks.OnReplyReceived(port, res.text)
			}
		})
	case errors.Is(res.err, ErrReplaced):
	case errors.Is(res.err, ErrTimeout):
		b.log.Debug("no reply before timeout", logger.Field{Key: "port", Value: port})
		b.events.Enqueue(func() {
			if b.callbacks.OnTimeout != nil {
				b.callbacks.OnTimeout(port)
			}
		})
	default:
		b.log.Warn("failed to receive reply", logger.Field{Key: "port", Value: port}, logger.Field{Key: "error", Value: res.err})
		b.events.Enqueue(func() {
			if b.callbacks.OnReceiveFailed != nil {
				b.callbacks.OnReceiveFailed(port, res.err)
			}
		})
	}
}
