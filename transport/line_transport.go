// Package transport frames newline-delimited UTF-8 messages over a single
// stream connection. A LineTransport runs one reader and one writer goroutine
// and reports the end of the connection exactly once.
package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cyberinferno/go-linenet/logger"
	"github.com/cyberinferno/go-linenet/safequeue"
)

// ErrClosed is returned by Send after the transport has been closed.
var ErrClosed = errors.New("transport closed")

const (
	// DefaultMaxLineSize bounds a single inbound message in bytes.
	DefaultMaxLineSize = 64 * 1024

	readBufferSize = 4096
)

// Control tokens consumed by the transport layer owners; they never reach
// application message handlers.
const (
	PingMessage = "ping"
	PongMessage = "pong"
)

// Options configures a LineTransport.
type Options struct {
	// Outbound is the queue drained by the writer loop. When nil a private
	// queue is created. Sharing a queue lets an owner keep pending messages
	// across reconnects.
	Outbound *safequeue.Queue[string]
	// OnLine receives every non-empty inbound line, terminator stripped. It is
	// called from the reader goroutine and must not block.
	OnLine func(line string)
	// OnClosed is called exactly once when the transport closes for any reason.
	// It may run on the reader, writer or closing goroutine.
	OnClosed func()
	// WriteTimeout limits each write; 0 means no limit. A timed-out write drops
	// that message and the loop continues.
	WriteTimeout time.Duration
	// MaxLineSize bounds inbound lines; longer lines are discarded. Defaults to
	// DefaultMaxLineSize.
	MaxLineSize int
	// Logger receives transport diagnostics. Nil disables logging.
	Logger logger.Logger
}

// LineTransport owns one connected stream socket.
type LineTransport struct {
	conn     net.Conn
	opts     Options
	outbound *safequeue.Queue[string]
	log      logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closed      atomic.Bool
	closeOnce   sync.Once
	readerOnce  sync.Once
	writerOnce  sync.Once
	wg          sync.WaitGroup
	maxLineSize int
}

// New wraps conn. No goroutines are started until StartReaderLoop and
// StartWriterLoop are called.
//
// Parameters:
//   - conn: A connected stream socket; the transport takes ownership of it
//   - opts: Callbacks, queue and limits
//
// Returns:
//   - A new *LineTransport
func New(conn net.Conn, opts Options) *LineTransport {
	ctx, cancel := context.WithCancel(context.Background())

	outbound := opts.Outbound
	if outbound == nil {
		outbound = safequeue.New[string]()
	}

	maxLine := opts.MaxLineSize
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}

	return &LineTransport{
		conn:        conn,
		opts:        opts,
		outbound:    outbound,
		log:         logger.OrNop(opts.Logger).With(logger.Field{Key: "remote", Value: conn.RemoteAddr().String()}),
		ctx:         ctx,
		cancel:      cancel,
		maxLineSize: maxLine,
	}
}

// StartReaderLoop starts the reader goroutine. Calling it more than once, or
// after Close, has no effect.
func (t *LineTransport) StartReaderLoop() {
	if t.closed.Load() {
		return
	}

	t.readerOnce.Do(func() {
		t.wg.Add(1)
		go t.readLoop()
	})
}

// StartWriterLoop starts the writer goroutine. Calling it more than once, or
// after Close, has no effect.
func (t *LineTransport) StartWriterLoop() {
	if t.closed.Load() {
		return
	}

	t.writerOnce.Do(func() {
		t.wg.Add(1)
		go t.writeLoop()
	})
}

// Send queues text for the writer loop and returns immediately. text should
// not contain line breaks; the receiver would see each segment as a separate
// message.
//
// Returns:
//   - ErrClosed if the transport is closed
func (t *LineTransport) Send(text string) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.outbound.Enqueue(text)
	return nil
}

// Close closes the socket, which unblocks both loops, and fires OnClosed.
// Only the first call has any effect; later calls return nil.
//
// Returns:
//   - The error from closing the socket on the first call, nil afterwards
func (t *LineTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.cancel()
		err = t.conn.Close()

		if t.opts.OnClosed != nil {
			t.opts.OnClosed()
		}
	})

	return err
}

// IsClosed reports whether Close has been called or a fatal error occurred.
func (t *LineTransport) IsClosed() bool {
	return t.closed.Load()
}

// Done returns a channel closed when the transport closes.
func (t *LineTransport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Wait blocks until the started loops have exited. It must not be called
// from OnLine or OnClosed.
func (t *LineTransport) Wait() {
	t.wg.Wait()
}

// RemoteAddr returns the peer address.
func (t *LineTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// LocalAddr returns the local address.
func (t *LineTransport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

func (t *LineTransport) readLoop() {
	defer t.wg.Done()
	defer t.Close()

	r := bufio.NewReaderSize(t.conn, readBufferSize)
	var line []byte
	discarding := false

	for !t.closed.Load() {
		chunk, err := r.ReadSlice('\n')
		if !discarding {
			line = append(line, chunk...)
			if len(line) > t.maxLineSize+2 {
				t.log.Warn("inbound line too long, discarding", logger.Field{Key: "limit", Value: t.maxLineSize})
				line = line[:0]
				discarding = err != nil
			}
		}

		switch {
		case err == nil:
			if !discarding {
				t.deliver(line)
			}
			line = line[:0]
			discarding = false
		case errors.Is(err, bufio.ErrBufferFull):
		case isTransient(err):
			t.log.Debug("transient read error", logger.Field{Key: "error", Value: err})
		default:
			if errors.Is(err, io.EOF) && !discarding {
				t.deliver(line)
			} else if !t.closed.Load() {
				t.log.Debug("read loop ended", logger.Field{Key: "error", Value: err})
			}
			return
		}
	}
}

func (t *LineTransport) writeLoop() {
	defer t.wg.Done()

	for {
		msg, err := t.outbound.Dequeue(t.ctx)
		if err != nil {
			return
		}

		if err := t.writeLine(msg); err != nil {
			if isTransient(err) {
				t.log.Warn("write timed out, message dropped", logger.Field{Key: "error", Value: err})
				continue
			}

			if !t.closed.Load() {
				t.log.Debug("write loop ended", logger.Field{Key: "error", Value: err})
			}
			_ = t.Close()

			return
		}
	}
}

func (t *LineTransport) writeLine(msg string) error {
	if t.opts.WriteTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout)); err != nil {
			return err
		}
	}

	_, err := io.WriteString(t.conn, msg+"\n")
	return err
}

func (t *LineTransport) deliver(raw []byte) {
	text := strings.TrimRight(string(raw), "\r\n")
	if text == "" || t.opts.OnLine == nil {
		return
	}

	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "\uFFFD")
	}

	t.opts.OnLine(text)
}

func isTransient(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
