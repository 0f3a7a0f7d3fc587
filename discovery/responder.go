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
	"github.com/cyberinferno/go-linenet/safequeue"
)

// ResponderConfig holds the listening socket settings of a Responder.
type ResponderConfig struct {
	// Address is the local address to bind; empty binds all interfaces.
	Address string
	// Port is the UDP port probes arrive on; 0 picks a free port.
	Port uint16
	// ReuseAddress sets SO_REUSEADDR so several responders can share a port.
	ReuseAddress bool
	// WriteTimeout limits each reply; 0 means no limit.
	WriteTimeout time.Duration
	// MaxDatagramSize bounds a single probe.
	MaxDatagramSize int
}

// ResponderCallbacks are invoked from Tick only. Nil callbacks are skipped.
type ResponderCallbacks struct {
	OnOpen func()
	// OnRequest receives each probe with its sender; answer with Reply.
	OnRequest func(from net.Addr, text string)
	OnClosed  func()
}

type datagram struct {
	to   net.Addr
	text string
}

// Responder listens on a UDP port and answers probes. Inbound datagrams are
// handed to the driver through Tick; replies are written by a dedicated
// writer goroutine.
type Responder struct {
	config    ResponderConfig
	callbacks ResponderCallbacks
	log       logger.Logger

	events   *safequeue.Queue[func()]
	outbound *safequeue.Queue[datagram]

	mu        sync.Mutex
	conn      net.PacketConn
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewResponder creates a Responder; call Start to bind it.
func NewResponder(config ResponderConfig, callbacks ResponderCallbacks, log logger.Logger) *Responder {
	if config.MaxDatagramSize <= 0 {
		config.MaxDatagramSize = DefaultMaxDatagramSize
	}

	return &Responder{
		config:    config,
		callbacks: callbacks,
		log:       logger.OrNop(log).With(logger.Field{Key: "component", Value: "responder"}),
		events:    safequeue.New[func()](),
		outbound:  safequeue.New[datagram](),
	}
}

// Start binds the port and starts the reader and writer goroutines. A
// Responder can be started once.
//
// Returns:
//   - An error if the responder was already started or the bind fails
func (r *Responder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil || r.closed.Load() {
		return errors.New("responder already started")
	}

	addr := net.JoinHostPort(r.config.Address, strconv.Itoa(int(r.config.Port)))
	lc := net.ListenConfig{Control: socketControl(false, r.config.ReuseAddress)}

	conn, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		r.log.Error("responder failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("listen udp %s: %w", addr, err)
	}

	r.conn = conn
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.events.Enqueue(func() { call(r.callbacks.OnOpen) })

	r.wg.Add(2)
	go r.readLoop()
	go r.writeLoop()

	r.log.Info("responder listening", logger.Field{Key: "addr", Value: conn.LocalAddr().String()})
	return nil
}

// Addr returns the bound address, or nil before Start.
func (r *Responder) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil
	}

	return r.conn.LocalAddr()
}

// Reply queues text for the sender of a probe.
//
// Returns:
//   - ErrShutdown if the responder is closed
func (r *Responder) Reply(to net.Addr, text string) error {
	if r.closed.Load() {
		return ErrShutdown
	}

	r.outbound.Enqueue(datagram{to: to, text: text})
	return nil
}

// Tick invokes at most one queued event.
func (r *Responder) Tick() bool {
	ev, ok := r.events.TryDequeue()
	if !ok {
		return false
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("callback panicked", logger.Field{Key: "panic", Value: fmt.Sprint(rec)})
		}
	}()
	ev()

	return true
}

// Close stops both goroutines by closing the socket and waits for them to
// exit. OnClosed is queued once. Closing twice returns nil.
func (r *Responder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)

		r.mu.Lock()
		conn, cancel := r.conn, r.cancel
		r.mu.Unlock()

		if conn == nil {
			return
		}

		cancel()
		err = conn.Close()
		r.events.Enqueue(func() { call(r.callbacks.OnClosed) })
	})

	r.wg.Wait()
	return err
}

func (r *Responder) readLoop() {
	defer r.wg.Done()

	buf := make([]byte, r.config.MaxDatagramSize)
	for {
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if r.closed.Load() {
				return
			}

			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}

			r.log.Error("responder read failed", logger.Field{Key: "error", Value: err})
			go func() { _ = r.Close() }()
			return
		}

		text := strings.TrimRight(strings.ToValidUTF8(string(buf[:n]), "\uFFFD"), "\r\n")
		if text == "" {
			continue
		}

		r.log.Debug("probe received", logger.Field{Key: "from", Value: from.String()})
		r.events.Enqueue(func() {
			if r.callbacks.OnRequest != nil {
				r.callbacks.OnRequest(from, text)
			}
		})
	}
}

func (r *Responder) writeLoop() {
	defer r.wg.Done()

	for {
		dg, err := r.outbound.Dequeue(r.ctx)
		if err != nil {
			return
		}

		if r.config.WriteTimeout > 0 {
			_ = r.conn.SetWriteDeadline(time.Now().Add(r.config.WriteTimeout))
		}

		if _, err := r.conn.WriteTo([]byte(dg.text+"\n"), dg.to); err != nil {
			if r.closed.Load() {
				return
			}
			r.log.Warn("reply dropped", logger.Field{Key: "to", Value: dg.to.String()}, logger.Field{Key: "error", Value: err})
		}
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
