// Package tcpclient provides the client side of a linenet connection: a
// Session that dials a server, retries a bounded number of times, answers
// heartbeats and hands every network event to the driver through Tick.
package tcpclient

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/go-linenet/logger"
	"github.com/cyberinferno/go-linenet/safequeue"
	"github.com/cyberinferno/go-linenet/transport"
)

// DefaultMaxReconnectAttempts is the number of automatic reconnects tried
// before a session reports that the connection failed to open.
const DefaultMaxReconnectAttempts = 3

// DialFunc opens a stream connection. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config holds connection and retry settings for a Session.
type Config struct {
	// ConnectTimeout bounds a single dial.
	ConnectTimeout time.Duration
	// SettleDelay is the pause between "connection open" and starting the
	// reader and writer loops.
	SettleDelay time.Duration
	// MaxReconnectAttempts bounds automatic reconnects; 0 disables them.
	MaxReconnectAttempts int
	// ReconnectDelay is the pause before each automatic reconnect.
	ReconnectDelay time.Duration
	// ReconnectOnDrop reconnects automatically when an established connection
	// is lost without Close being called.
	ReconnectOnDrop bool
	// WriteTimeout limits each outbound write; 0 means no limit.
	WriteTimeout time.Duration
	// MaxLineSize bounds inbound messages.
	MaxLineSize int
	// Dial overrides the dialer, mainly for tests. Nil uses net.Dialer.
	Dial DialFunc
}

// DefaultConfig returns the default session settings: ConnectTimeout 10s,
// SettleDelay 2s, three reconnect attempts 1s apart, reconnect on drop,
// WriteTimeout 10s.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       10 * time.Second,
		SettleDelay:          2 * time.Second,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectDelay:       time.Second,
		ReconnectOnDrop:      true,
		WriteTimeout:         10 * time.Second,
		MaxLineSize:          transport.DefaultMaxLineSize,
	}
}

// Callbacks are invoked from Tick on the driver goroutine, never from network
// goroutines. Nil callbacks are skipped.
type Callbacks struct {
	// OnMessageReceived receives every application message. A returned error
	// is logged and the session carries on.
	OnMessageReceived func(text string) error
	// OnConnectionOpen fires once per established connection.
	OnConnectionOpen func()
	// OnConnectionClosed fires once per established connection when it ends.
	OnConnectionClosed func()
	// OnConnectionFailToOpen fires when a connect attempt and all automatic
	// reconnects have failed.
	OnConnectionFailToOpen func()
}

// Session is one client-side logical connection that survives reconnects.
// All methods are safe for concurrent use.
type Session struct {
	config    Config
	callbacks Callbacks
	log       logger.Logger

	events   *safequeue.Queue[func()]
	outbound *safequeue.Queue[string]

	mu            sync.Mutex
	state         ConnectionState
	endpoint      transport.Endpoint
	hasEndpoint   bool
	attempts      int
	tr            *transport.LineTransport
	cancelAttempt context.CancelFunc
}

// NewSession creates a Session in the Disconnected state.
//
// Parameters:
//   - config: Settings, usually derived from DefaultConfig
//   - callbacks: Driver-side event handlers
//   - log: Logger for session diagnostics; nil disables logging
//
// Returns:
//   - A new *Session; call Connect to start and Close when done
func NewSession(config Config, callbacks Callbacks, log logger.Logger) *Session {
	if config.MaxReconnectAttempts < 0 {
		config.MaxReconnectAttempts = 0
	}

	return &Session{
		config:    config,
		callbacks: callbacks,
		log:       logger.OrNop(log).With(logger.Field{Key: "component", Value: "tcpclient"}),
		events:    safequeue.New[func()](),
		outbound:  safequeue.New[string](),
		state:     Disconnected,
	}
}

// Connect starts an asynchronous connection to endpoint and returns
// immediately. It is a no-op while the session is already connected or
// connecting. The endpoint becomes the reconnect target and the reconnect
// counter starts from zero.
func (s *Session) Connect(endpoint transport.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Disconnected {
		s.log.Info("connect ignored", logger.Field{Key: "state", Value: s.state.String()})
		return
	}

	s.endpoint = endpoint
	s.hasEndpoint = true
	s.attempts = 0
	s.startAttemptLocked(endpoint, false)
}

// Send queues text for the server and never blocks. Messages sent while
// disconnected are written once a connection is established.
func (s *Session) Send(text string) {
	s.outbound.Enqueue(text)
}

// Tick invokes at most one queued event on the calling goroutine.
//
// Returns:
//   - true if an event was processed
func (s *Session) Tick() bool {
	ev, ok := s.events.TryDequeue()
	if !ok {
		return false
	}

	s.invoke(ev)
	return true
}

// Close ends the current connection or connect attempt. An established
// connection produces exactly one OnConnectionClosed; an interrupted attempt
// produces no event. Pending outbound messages are dropped. Calling Close
// again, or on a disconnected session, does nothing.
//
// Returns:
//   - The error from closing the socket, if any
func (s *Session) Close() error {
	s.mu.Lock()

	switch s.state {
	case Connecting:
		s.cancelAttempt()
		s.state = Disconnected
		s.outbound.Clear()
		s.mu.Unlock()
		s.log.Info("connect attempt cancelled")
		return nil
	case Connected:
		tr := s.tr
		s.state = Closing
		s.outbound.Clear()
		s.mu.Unlock()
		return tr.Close()
	default:
		s.mu.Unlock()
		return nil
	}
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the session is in the Connected state.
func (s *Session) IsConnected() bool {
	return s.State() == Connected
}

// Endpoint returns the endpoint on record and whether there is one.
func (s *Session) Endpoint() (transport.Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint, s.hasEndpoint
}

// ReconnectAttempts returns the current value of the reconnect counter.
func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// PendingEvents returns the number of events waiting for Tick.
func (s *Session) PendingEvents() int {
	return s.events.Len()
}

func (s *Session) startAttemptLocked(endpoint transport.Endpoint, delayFirst bool) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelAttempt = cancel
	s.state = Connecting

	go s.connectLoop(ctx, endpoint, delayFirst)
}

func (s *Session) connectLoop(ctx context.Context, endpoint transport.Endpoint, delayFirst bool) {
	if delayFirst && !s.sleep(ctx, s.config.ReconnectDelay) {
		return
	}

	for {
		s.log.Info("connecting", logger.Field{Key: "endpoint", Value: endpoint.String()})
		started := time.Now()

		conn, err := s.dial(ctx, endpoint)
		if err == nil {
			s.established(ctx, endpoint, conn)
			return
		}

		if ctx.Err() != nil {
			return
		}

		s.log.Warn("failed to connect",
			logger.Field{Key: "endpoint", Value: endpoint.String()},
			logger.Field{Key: "elapsed", Value: time.Since(started).String()},
			logger.Field{Key: "error", Value: err},
		)

		if !s.reconnectAllowed(ctx) {
			return
		}

		if !s.sleep(ctx, s.config.ReconnectDelay) {
			return
		}
	}
}

// reconnectAllowed consumes one reconnect attempt, or settles the session as
// Disconnected and queues the failure event when none are left.
func (s *Session) reconnectAllowed(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil {
		return false
	}

	if s.hasEndpoint && s.attempts < s.config.MaxReconnectAttempts {
		s.attempts++
		s.log.Info("reconnecting", logger.Field{Key: "attempt", Value: s.attempts})
		return true
	}

	s.log.Warn("max reconnect attempts reached", logger.Field{Key: "attempts", Value: s.attempts})
	s.state = Disconnected
	s.cancelAttempt()
	s.events.Enqueue(s.connectionFailToOpen)
	return false
}

func (s *Session) established(ctx context.Context, endpoint transport.Endpoint, conn net.Conn) {
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}

	var tr *transport.LineTransport
	tr = transport.New(conn, transport.Options{
		Outbound:     s.outbound,
		OnLine:       s.handleLine,
		OnClosed:     func() { s.onTransportClosed(tr) },
		WriteTimeout: s.config.WriteTimeout,
		MaxLineSize:  s.config.MaxLineSize,
		Logger:       s.log,
	})

	s.tr = tr
	s.state = Connected
	s.endpoint = endpoint
	s.attempts = 0
	s.cancelAttempt()
	s.events.Enqueue(s.connectionOpen)
	s.mu.Unlock()

	s.log.Info("connected", logger.Field{Key: "endpoint", Value: endpoint.String()})

	if s.config.SettleDelay > 0 {
		timer := time.NewTimer(s.config.SettleDelay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-tr.Done():
			return
		}
	}

	tr.StartReaderLoop()
	tr.StartWriterLoop()
}

func (s *Session) onTransportClosed(tr *transport.LineTransport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tr != tr {
		return
	}

	s.tr = nil
	requested := s.state == Closing
	s.state = Disconnected
	s.events.Enqueue(s.connectionClosed)
	s.log.Info("connection closed", logger.Field{Key: "requested", Value: requested})

	if requested || !s.config.ReconnectOnDrop || !s.hasEndpoint {
		return
	}

	if s.attempts >= s.config.MaxReconnectAttempts {
		s.events.Enqueue(s.connectionFailToOpen)
		return
	}

	s.attempts++
	s.log.Info("connection lost, reconnecting", logger.Field{Key: "attempt", Value: s.attempts})
	s.startAttemptLocked(s.endpoint, true)
}

func (s *Session) handleLine(line string) {
	switch line {
	case transport.PingMessage:
		s.outbound.Enqueue(transport.PongMessage)
	case transport.PongMessage:
	default:
		s.events.Enqueue(func() { s.messageReceived(line) })
	}
}

func (s *Session) dial(ctx context.Context, endpoint transport.Endpoint) (net.Conn, error) {
	if s.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ConnectTimeout)
		defer cancel()
	}

	dial := s.config.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	conn, err := dial(ctx, "tcp", endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	return conn, nil
}

func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Session) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("callback panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	fn()
}

func (s *Session) messageReceived(text string) {
	if s.callbacks.OnMessageReceived == nil {
		return
	}

	if err := s.callbacks.OnMessageReceived(text); err != nil {
		s.log.Warn("failed to handle message",
			logger.Field{Key: "message", Value: text},
			logger.Field{Key: "error", Value: err},
		)
	}
}

func (s *Session) connectionOpen() {
	if s.callbacks.OnConnectionOpen != nil {
		s.callbacks.OnConnectionOpen()
	}
}

func (s *Session) connectionClosed() {
	if s.callbacks.OnConnectionClosed != nil {
		s.callbacks.OnConnectionClosed()
	}
}

func (s *Session) connectionFailToOpen() {
	if s.callbacks.OnConnectionFailToOpen != nil {
		s.callbacks.OnConnectionFailToOpen()
	}
}
