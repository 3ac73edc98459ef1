package conn

// Package conn provides the TCP connection lifecycle: performing the
// handshake on accept, then running the per-connection read/write loops that
// sit above the chunk/control layers.

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/alxayo/go-rtmp/internal/logger"
	"github.com/alxayo/go-rtmp/internal/rtmp/chunk"
	"github.com/alxayo/go-rtmp/internal/rtmp/control"
	"github.com/alxayo/go-rtmp/internal/rtmp/handshake"
)

// Connection represents an accepted RTMP connection that has completed the
// RTMP simple handshake and owns the read/write loops, chunk-stream state,
// and outbound queue for the lifetime of the socket.
type Connection struct {
	// Immutable / identity
	id                string
	netConn           net.Conn
	remoteAddr        net.Addr
	acceptedAt        time.Time
	handshakeDuration time.Duration
	log               *slog.Logger

	// Context & lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Protocol state
	readChunkSize   uint32
	writeChunkSize  uint32
	windowAckSize   uint32
	chunkStreams    map[uint32]*chunk.ChunkStreamState // accessed only by readLoop
	outboundQueue   chan *chunk.Message
	bytesReceived   atomic.Uint64 // raw bytes read off the wire, for ack discipline
	bytesAcked      uint64        // readLoop-only; last value acked
	windowAckSizeIn atomic.Uint32 // peer's advertised Window Ack Size, 0 until set

	// Internal helpers
	onMessage     func(*chunk.Message) // test hook / dispatcher injection
	onClose       func()               // invoked once at the start of Close()
	closeOnce     sync.Once
	ingestLimiter *rate.Limiter // nil disables ingest rate limiting
	idleTimeout   time.Duration // 0 disables idle timeout
	closeReason   error         // set by CloseWithReason before onClose runs
}

// ID returns the logical connection id.
func (c *Connection) ID() string { return c.id }

// NetConn exposes the underlying net.Conn (read-only usage expected by higher layers).
func (c *Connection) NetConn() net.Conn { return c.netConn }

// HandshakeDuration returns how long the RTMP handshake took.
func (c *Connection) HandshakeDuration() time.Duration { return c.handshakeDuration }

// Close closes the underlying connection.
func (c *Connection) Close() error {
	return c.CloseWithReason(nil)
}

// CloseWithReason closes the connection, recording reason so the close
// handler (and, through it, the Sink's OnPublishEnd) can distinguish a
// clean disconnect from an idle timeout or protocol error.
func (c *Connection) CloseWithReason(reason error) error {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		if c.onClose != nil {
			c.onClose()
		}
	})
	if c.cancel != nil {
		c.cancel()
	}
	// Closing the underlying net.Conn will unblock reader/writer.
	_ = c.netConn.Close()
	// Wait for goroutines (bounded: they exit on ctx cancellation).
	c.wg.Wait()
	return nil
}

// CloseReason returns the reason passed to CloseWithReason, if any. Read by
// the close handler to report why a publish ended.
func (c *Connection) CloseReason() error { return c.closeReason }

// SetMessageHandler installs a callback invoked by the readLoop for every
// fully reassembled RTMP message. MUST be called before Start().
func (c *Connection) SetMessageHandler(fn func(*chunk.Message)) { c.onMessage = fn }

// SetCloseHandler installs a callback invoked exactly once when Close() is
// first called, before the underlying socket is torn down. Used by the
// command layer to notify a Sink that a publisher went away.
func (c *Connection) SetCloseHandler(fn func()) { c.onClose = fn }

// SetIngestLimiter installs a token-bucket limiter governing inbound chunk
// reads. A nil limiter (the default) disables rate limiting. MUST be called
// before Start().
func (c *Connection) SetIngestLimiter(l *rate.Limiter) { c.ingestLimiter = l }

// SetIdleTimeout installs a read deadline re-armed before every blocking
// message read. A publisher that stops sending chunks for longer than d is
// disconnected. 0 (the default) disables the idle timeout. MUST be called
// before Start().
func (c *Connection) SetIdleTimeout(d time.Duration) { c.idleTimeout = d }

// Start begins the readLoop. MUST be called after SetMessageHandler() to avoid race condition.
func (c *Connection) Start() {
	c.startReadLoop()
}

// SendMessage enqueues a message for outbound transmission (chunked by writeLoop).
// It enforces a small timeout to provide backpressure behavior.
func (c *Connection) SendMessage(msg *chunk.Message) error {
	if c == nil || c.outboundQueue == nil {
		return errors.New("connection not initialized")
	}
	if msg == nil {
		return errors.New("nil message")
	}
	// Derive short timeout context.
	deadline := time.NewTimer(200 * time.Millisecond)
	defer deadline.Stop()
	select {
	case <-c.ctx.Done():
		return context.Canceled
	case c.outboundQueue <- msg:
		return nil
	case <-deadline.C:
		return fmt.Errorf("send queue full (len=%d)", len(c.outboundQueue))
	}
}

// startReadLoop begins the dechunk → dispatch loop.
func (c *Connection) startReadLoop() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		var src io.Reader = c.netConn
		if c.ingestLimiter != nil {
			src = &rateLimitedReader{ctx: c.ctx, r: c.netConn, limiter: c.ingestLimiter}
		}
		src = &countingReader{r: src, n: &c.bytesReceived}
		r := chunk.NewReader(src, c.readChunkSize)
		c.log.Debug("readLoop started", "initial_chunk_size", c.readChunkSize)
		for {
			select {
			case <-c.ctx.Done():
				c.log.Debug("readLoop context cancelled")
				return
			default:
			}
			if c.idleTimeout > 0 {
				if err := c.netConn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
					c.log.Warn("failed to arm idle deadline", "error", err)
				}
			}
			c.log.Debug("readLoop waiting for message")
			msg, err := r.ReadMessage()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					c.log.Info("readLoop idle timeout", "idle_timeout", c.idleTimeout)
					go c.CloseWithReason(fmt.Errorf("idle timeout after %s: %w", c.idleTimeout, err))
					return
				}
				// Distinguish expected termination (EOF) vs unexpected errors.
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					c.log.Debug("readLoop closed", "error", err)
				} else {
					c.log.Error("readLoop error", "error", err)
				}
				return
			}
			c.log.Debug("readLoop received message", "type_id", msg.TypeID, "msid", msg.MessageStreamID, "len", len(msg.Payload))
			c.trackAckDiscipline(msg)
			if c.onMessage != nil {
				c.onMessage(msg)
			}
		}
	}()
}

// startWriteLoop consumes outboundQueue and writes chunked messages.
func (c *Connection) startWriteLoop() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		w := chunk.NewWriter(c.netConn, c.writeChunkSize)
		c.log.Debug("writeLoop started", "write_chunk_size", c.writeChunkSize)
		for {
			select {
			case <-c.ctx.Done():
				c.log.Debug("writeLoop context cancelled")
				return
			case msg, ok := <-c.outboundQueue:
				if !ok {
					c.log.Debug("writeLoop queue closed")
					return
				}
				c.log.Debug("writeLoop sending message", "type_id", msg.TypeID, "csid", msg.CSID, "msid", msg.MessageStreamID, "len", len(msg.Payload))
				// Sync writer chunk size with potentially updated field.
				w.SetChunkSize(c.writeChunkSize)
				if err := w.WriteMessage(msg); err != nil {
					c.log.Error("writeLoop write failed", "error", err)
					return
				}
				c.log.Debug("writeLoop message sent successfully", "type_id", msg.TypeID)
			}
		}
	}()
}

// trackAckDiscipline records the peer's Window Acknowledgement Size when
// advertised and emits an Acknowledgement once bytes received since the last
// ack reach that window, per the protocol's ack discipline. Called only from
// the readLoop goroutine, so bytesAcked needs no lock.
func (c *Connection) trackAckDiscipline(msg *chunk.Message) {
	if msg.TypeID == control.TypeWindowAcknowledgement && msg.MessageStreamID == 0 && len(msg.Payload) >= 4 {
		c.windowAckSizeIn.Store(binary.BigEndian.Uint32(msg.Payload))
	}
	window := c.windowAckSizeIn.Load()
	if window == 0 {
		return
	}
	received := c.bytesReceived.Load()
	if received-c.bytesAcked < uint64(window) {
		return
	}
	c.bytesAcked = received
	if err := c.SendMessage(control.EncodeAcknowledgement(uint32(received))); err != nil {
		c.log.Warn("failed to send acknowledgement", "error", err)
	}
}

// nextID generates a connection identifier. UUIDs (rather than a counter)
// keep ids correlatable across restarts and across the hook/metrics streams
// that reference them.
func nextID() string { return uuid.NewString() }

// Accept performs a blocking Accept() on the provided listener, runs the
// server-side RTMP handshake, and returns a *Connection on success. On
// handshake failure the underlying net.Conn is closed and the error returned.
//
// This function is intentionally synchronous; a typical server will wrap it
// inside an accept loop and launch a goroutine per successful connection.
func Accept(l net.Listener) (*Connection, error) {
	if l == nil {
		return nil, fmt.Errorf("nil listener")
	}
	raw, err := l.Accept()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := handshake.ServerHandshake(raw); err != nil {
		// Handshake failure: ensure connection is closed and log context.
		_ = raw.Close()
		logger.Logger().Error("Handshake failed", "error", err, "remote", raw.RemoteAddr().String())
		return nil, err
	}
	dur := time.Since(start)

	id := nextID()
	lgr := logger.WithConn(logger.Logger(), id, raw.RemoteAddr().String())
	lgr.Info("Connection accepted", "handshake_ms", dur.Milliseconds())

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:                id,
		netConn:           raw,
		remoteAddr:        raw.RemoteAddr(),
		acceptedAt:        start,
		handshakeDuration: dur,
		log:               lgr,
		ctx:               ctx,
		cancel:            cancel,
		readChunkSize:     128,
		writeChunkSize:    128,
		windowAckSize:     windowAckSizeValue, // align with control burst constants
		chunkStreams:      make(map[uint32]*chunk.ChunkStreamState),
		outboundQueue:     make(chan *chunk.Message, 100),
	}

	// Start write loop so the caller can enqueue messages once connect arrives.
	c.startWriteLoop()

	// NOTE: the control burst is no longer sent here. It fires once the
	// connect command arrives (see SendControlBurst), not right after the
	// handshake, so a client that never sends connect never receives it.
	//
	// NOTE: readLoop is NOT started here to avoid race condition with message handler setup.
	// Caller MUST call Start() after setting message handler via SetMessageHandler().

	return c, nil
}

// rateLimitedReader gates Read calls through a token-bucket limiter so a
// single publisher cannot monopolize ingest bandwidth. A 0-rate limiter
// (MaxIngestBytesPerSec configured as unlimited) is never constructed by the
// caller, so WaitN always eventually admits the read.
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (rl *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := rl.r.Read(p)
	if n > 0 {
		if werr := rl.limiter.WaitN(rl.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// countingReader tallies bytes read off the wire so the read loop can honor
// the peer's Window Acknowledgement Size.
type countingReader struct {
	r io.Reader
	n *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.n.Add(uint64(n))
	}
	return n, err
}
