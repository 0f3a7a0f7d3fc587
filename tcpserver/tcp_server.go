// Package tcpserver accepts linenet clients, enforces a connection limit,
// pings clients periodically and turns everything that happens on the network
// into events delivered one at a time through Tick.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-linenet/idgenerator"
	"github.com/cyberinferno/go-linenet/logger"
	"github.com/cyberinferno/go-linenet/safemap"
	"github.com/cyberinferno/go-linenet/safequeue"
	"github.com/cyberinferno/go-linenet/safeset"
	"github.com/cyberinferno/go-linenet/transport"
)

var (
	// ErrAlreadyRunning is returned by Start on a running server.
	ErrAlreadyRunning = errors.New("server already running")
	// ErrClientNotFound is returned when an id does not name a tracked client.
	ErrClientNotFound = errors.New("client not found")
)

const maxAcceptDelay = time.Second

// Config holds listener and policy settings for a Server.
type Config struct {
	// Name identifies the server in logs.
	Name string
	// Address is the local address to bind; empty binds all interfaces.
	Address string
	// Port is the TCP port; 0 picks a free port.
	Port uint16
	// MaxConnections bounds concurrently admitted clients; 0 means unlimited.
	MaxConnections int
	// PingInterval is the heartbeat period; 0 disables heartbeats.
	PingInterval time.Duration
	// WriteTimeout limits each outbound write.
	WriteTimeout time.Duration
	// MaxLineSize bounds inbound messages.
	MaxLineSize int
	// Reclaimer, when set, is asked to free the port if it is already in use.
	Reclaimer PortReclaimer
	// ReclaimDelay is the pause between reclaiming the port and retrying.
	ReclaimDelay time.Duration
}

// DefaultConfig returns a server bound to all interfaces on port 9901 with
// two client slots and a 5s heartbeat.
func DefaultConfig() Config {
	return Config{
		Name:           "linenet",
		Port:           9901,
		MaxConnections: 2,
		PingInterval:   5 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxLineSize:    transport.DefaultMaxLineSize,
		ReclaimDelay:   2 * time.Second,
	}
}

// Callbacks are invoked from Tick only. Nil callbacks are skipped.
type Callbacks struct {
	OnServerStarted      func()
	OnServerStopped      func()
	OnServerFailed       func(err error)
	OnClientConnected    func(id uint32)
	OnClientDisconnected func(id uint32)
	// OnMessageReceived receives every application message from an admitted
	// client. A returned error is logged and the client stays connected.
	OnMessageReceived func(id uint32, text string) error
}

// Server is a line-oriented TCP server.
type Server struct {
	config    Config
	callbacks Callbacks
	log       logger.Logger

	events  *safequeue.Queue[func()]
	clients *safemap.SafeMap[uint32, *ClientHandle]
	ids     *idgenerator.IdGenerator
	// awaitingPong holds clients that have not answered the latest ping.
	awaitingPong *safeset.SafeSet[uint32]
	admitted     atomic.Int32

	mu       sync.Mutex
	running  atomic.Bool
	stopped  atomic.Bool
	listener net.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// NewServer creates a stopped server.
//
// Parameters:
//   - config: Listener and policy settings, usually derived from DefaultConfig
//   - callbacks: Driver-side event handlers
//   - log: Logger for server diagnostics; nil disables logging
//
// Returns:
//   - A new *Server; call Start to begin accepting clients
func NewServer(config Config, callbacks Callbacks, log logger.Logger) *Server {
	if config.Name == "" {
		config.Name = "linenet"
	}

	return &Server{
		config:       config,
		callbacks:    callbacks,
		log:          logger.OrNop(log).With(logger.Field{Key: "component", Value: "tcpserver"}, logger.Field{Key: "server", Value: config.Name}),
		events:       safequeue.New[func()](),
		clients:      safemap.NewSafeMap[uint32, *ClientHandle](),
		ids:          idgenerator.NewIdGenerator(0),
		awaitingPong: safeset.NewSafeSet[uint32](),
	}
}

// Start binds the listener and starts the accept and heartbeat loops. On
// success "server started" is queued; on failure "server failed" is queued
// and the error is returned.
//
// Returns:
//   - ErrAlreadyRunning if the server is running
//   - The bind error, wrapped, if the port cannot be bound
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		s.log.Error("server already running")
		return fmt.Errorf("server %s: %w", s.config.Name, ErrAlreadyRunning)
	}

	ln, err := s.listen()
	if err != nil {
		s.log.Error("server failed to start", logger.Field{Key: "error", Value: err})
		err = fmt.Errorf("server %s failed to start: %w", s.config.Name, err)
		s.events.Enqueue(func() { s.serverFailed(err) })
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	s.listener = ln
	s.cancel = cancel
	s.group = group
	s.stopped.Store(false)
	s.running.Store(true)
	s.events.Enqueue(s.serverStarted)

	group.Go(func() error { return s.acceptLoop(ctx, ln) })
	if s.config.PingInterval > 0 {
		group.Go(func() error { return s.heartbeatLoop(ctx) })
	}

	s.log.Info("server started", logger.Field{Key: "addr", Value: ln.Addr().String()})
	return nil
}

// Stop closes every client handle, stops the listener and queues "server
// stopped". It waits for the background loops to exit. Calling Stop on a
// stopped server does nothing.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Swap(false) {
		s.log.Info("server not running")
		return
	}

	s.clients.Range(func(_ uint32, h *ClientHandle) bool {
		_ = h.Close()
		return true
	})

	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}

	if err := s.group.Wait(); err != nil {
		s.log.Warn("background loop ended with error", logger.Field{Key: "error", Value: err})
	}

	s.notifyStopped()
	s.log.Info("server stopped")
}

// IsRunning reports whether the server is accepting clients.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the bound listener address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil || !s.running.Load() {
		return nil
	}

	return s.listener.Addr()
}

// Tick delivers at most one server-level event, then for each tracked client
// in ascending id order at most one connect, one message and one disconnect.
//
// Returns:
//   - true if any callback work was done
func (s *Server) Tick() bool {
	worked := false
	if ev, ok := s.events.TryDequeue(); ok {
		s.invoke(ev)
		worked = true
	}

	ids := s.clients.Keys()
	slices.Sort(ids)

	for _, id := range ids {
		h, ok := s.clients.Load(id)
		if !ok {
			continue
		}

		if s.tickClient(h) {
			worked = true
		}
	}

	return worked
}

func (s *Server) tickClient(h *ClientHandle) bool {
	worked := false

	if _, ok := h.connected.TryDequeue(); ok {
		worked = true
		s.admit(h)
	}

	if msg, ok := h.messages.TryDequeue(); ok {
		worked = true
		if h.admitted.Load() {
			s.invoke(func() { s.messageReceived(h.id, msg) })
		}
	}

	// Messages read before the close are delivered ahead of the disconnect.
	if h.messages.Len() > 0 && h.admitted.Load() {
		return worked
	}

	if _, ok := h.disconnected.TryDequeue(); ok {
		worked = true
		s.clients.CompareAndDelete(h.id, h)
		s.awaitingPong.Remove(h.id)
		s.release(h)
	}

	return worked
}

func (s *Server) admit(h *ClientHandle) {
	if limit := s.config.MaxConnections; limit > 0 && int(s.admitted.Load()) >= limit {
		s.log.Warn("max connections reached, rejecting client",
			logger.Field{Key: "client", Value: h.id},
			logger.Field{Key: "limit", Value: limit},
		)
		h.reject()
		return
	}

	if h.IsClosed() {
		return
	}

	h.admitted.Store(true)
	s.admitted.Add(1)
	s.invoke(func() { s.clientConnected(h.id) })
}

// release delivers OnClientDisconnected for an admitted client exactly once.
func (s *Server) release(h *ClientHandle) {
	if !h.admitted.CompareAndSwap(true, false) {
		return
	}

	s.admitted.Add(-1)
	s.invoke(func() { s.clientDisconnected(h.id) })
}

// SendToClient queues text for one client.
//
// Parameters:
//   - id: The client identity
//   - text: The message, without line terminator
//
// Returns:
//   - ErrClientNotFound if no such client is tracked
func (s *Server) SendToClient(id uint32, text string) error {
	h, ok := s.clients.Load(id)
	if !ok {
		s.log.Warn("client not found", logger.Field{Key: "client", Value: id})
		return fmt.Errorf("send to client %d: %w", id, ErrClientNotFound)
	}

	if err := h.Send(text); err != nil {
		return fmt.Errorf("send to client %d: %w", id, err)
	}

	return nil
}

// SendToAll queues text for every tracked client.
func (s *Server) SendToAll(text string) {
	s.clients.Range(func(_ uint32, h *ClientHandle) bool {
		_ = h.Send(text)
		return true
	})
}

// DisconnectClient closes a client and stops tracking it. A client that had
// been announced through OnClientConnected gets one OnClientDisconnected on a
// later Tick. Disconnecting an unknown or already removed client does
// nothing.
//
// Returns:
//   - true if the client was tracked
func (s *Server) DisconnectClient(id uint32) bool {
	h, ok := s.clients.LoadAndDelete(id)
	if !ok {
		s.log.Debug("disconnect of untracked client ignored", logger.Field{Key: "client", Value: id})
		return false
	}

	_ = h.Close()
	s.awaitingPong.Remove(id)
	s.events.Enqueue(func() { s.release(h) })

	return true
}

// Client returns the handle for id.
func (s *Server) Client(id uint32) (*ClientHandle, bool) {
	return s.clients.Load(id)
}

// ClientCount returns the number of tracked clients, including ones whose
// connect or disconnect has not been delivered yet.
func (s *Server) ClientCount() int {
	return s.clients.Len()
}

// AdmittedCount returns the number of clients announced through
// OnClientConnected and not yet disconnected.
func (s *Server) AdmittedCount() int {
	return int(s.admitted.Load())
}

func (s *Server) listen() (net.Listener, error) {
	addr := net.JoinHostPort(s.config.Address, strconv.Itoa(int(s.config.Port)))

	ln, err := net.Listen("tcp", addr)
	if err == nil || s.config.Reclaimer == nil || !errors.Is(err, syscall.EADDRINUSE) {
		return ln, err
	}

	s.log.Warn("port in use", logger.Field{Key: "addr", Value: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if rerr := s.config.Reclaimer.Reclaim(ctx, s.config.Port); rerr != nil {
		return nil, errors.Join(err, rerr)
	}

	if s.config.ReclaimDelay > 0 {
		time.Sleep(s.config.ReclaimDelay)
	}

	return net.Listen("tcp", addr)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	defer s.notifyStopped()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			delay = min(max(2*delay, 5*time.Millisecond), maxAcceptDelay)
			s.log.Error("accept error", logger.Field{Key: "error", Value: err}, logger.Field{Key: "retry_in", Value: delay.String()})

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}

			continue
		}

		delay = 0
		s.addClient(conn)
	}
}

func (s *Server) addClient(conn net.Conn) {
	id := s.ids.Id()
	h := newClientHandle(id, conn, transport.Options{
		WriteTimeout: s.config.WriteTimeout,
		MaxLineSize:  s.config.MaxLineSize,
		Logger:       s.log,
	}, s.handleControl)

	s.clients.Store(id, h)
	s.log.Info("client accepted", logger.Field{Key: "client", Value: id}, logger.Field{Key: "remote", Value: h.RemoteAddr()})

	h.start()

	if !s.running.Load() {
		_ = h.Close()
	}
}

func (s *Server) handleControl(h *ClientHandle, token string) {
	switch token {
	case transport.PingMessage:
		_ = h.Send(transport.PongMessage)
	case transport.PongMessage:
		s.awaitingPong.Remove(h.id)
	}
}

func (s *Server) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.ping()
		}
	}
}

func (s *Server) ping() {
	s.clients.Range(func(id uint32, h *ClientHandle) bool {
		if s.awaitingPong.Contains(id) {
			s.log.Warn("client did not answer ping", logger.Field{Key: "client", Value: id})
		}

		s.awaitingPong.Add(id)
		_ = h.Send(transport.PingMessage)

		return true
	})
}

// notifyStopped queues "server stopped" once per run.
func (s *Server) notifyStopped() {
	if s.stopped.CompareAndSwap(false, true) {
		s.events.Enqueue(s.serverStopped)
	}
}

func (s *Server) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("callback panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	fn()
}

func (s *Server) serverStarted() {
	if s.callbacks.OnServerStarted != nil {
		s.callbacks.OnServerStarted()
	}
}

func (s *Server) serverStopped() {
	if s.callbacks.OnServerStopped != nil {
		s.callbacks.OnServerStopped()
	}
}

func (s *Server) serverFailed(err error) {
	if s.callbacks.OnServerFailed != nil {
		s.callbacks.OnServerFailed(err)
	}
}

func (s *Server) clientConnected(id uint32) {
	if s.callbacks.OnClientConnected != nil {
		s.callbacks.OnClientConnected(id)
	}
}

func (s *Server) clientDisconnected(id uint32) {
	if s.callbacks.OnClientDisconnected != nil {
		s.callbacks.OnClientDisconnected(id)
	}
}

func (s *Server) messageReceived(id uint32, text string) {
	if s.callbacks.OnMessageReceived == nil {
		return
	}

	if err := s.callbacks.OnMessageReceived(id, text); err != nil {
		s.log.Warn("failed to handle message",
			logger.Field{Key: "client", Value: id},
			logger.Field{Key: "message", Value: text},
			logger.Field{Key: "error", Value: err},
		)
	}
}
