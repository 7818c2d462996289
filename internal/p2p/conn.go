package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/WendelHime/swarm/internal/shared/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultKeepAlive = 110 * time.Second
	DefaultQueueSize = 64
	writeTimeout     = 30 * time.Second
	readBufferSize   = 32 * 1024
)

var ErrQueueFull = errors.New("outbound queue full")

// Event is what a connection reports to its owner: a decoded message, or the
// final notification that the connection is gone.
type Event struct {
	From    string
	Message Message
	Closed  bool
	Err     error
}

type ConnOption func(*Conn)

func WithKeepAlive(d time.Duration) ConnOption {
	return func(c *Conn) { c.keepAlive = d }
}

// WithReadTimeout closes the connection when nothing arrives for d.
func WithReadTimeout(d time.Duration) ConnOption {
	return func(c *Conn) { c.readTimeout = d }
}

// WithLimiter throttles outbound piece payloads.
func WithLimiter(l *rate.Limiter) ConnOption {
	return func(c *Conn) { c.limiter = l }
}

func WithQueueSize(n int) ConnOption {
	return func(c *Conn) { c.outbound = make(chan Message, n) }
}

func WithLogger(logger *slog.Logger) ConnOption {
	return func(c *Conn) { c.logger = logger }
}

// Conn is one peer connection. Run owns the socket; Send and Close may be
// called from any goroutine.
type Conn struct {
	key         string
	nc          net.Conn
	local       Handshake
	inbound     chan<- Event
	outbound    chan Message
	done        chan struct{}
	closeOnce   sync.Once
	failMu      sync.Mutex
	failure     error
	keepAlive   time.Duration
	readTimeout time.Duration
	limiter     *rate.Limiter
	logger      *slog.Logger
	maxFrame    int
}

func NewConn(key string, nc net.Conn, local Handshake, inbound chan<- Event, opts ...ConnOption) *Conn {
	c := &Conn{
		key:       key,
		nc:        nc,
		local:     local,
		inbound:   inbound,
		outbound:  make(chan Message, DefaultQueueSize),
		done:      make(chan struct{}),
		keepAlive: DefaultKeepAlive,
		logger:    slog.Default(),
		maxFrame:  DefaultMaxFrame,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("peer", key))
	return c
}

func (c *Conn) Key() string {
	return c.key
}

// Run sends the local handshake, then reads and writes until the socket
// fails, ctx is cancelled or Close is called. It always ends by delivering a
// Closed event unless ctx is already done.
func (c *Conn) Run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		c.Close()
		return nil
	})
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	err := g.Wait()

	c.failMu.Lock()
	if c.failure != nil {
		err = c.failure
	}
	c.failMu.Unlock()

	c.logger.Debug("connection closed", slog.Any("error", err))
	select {
	case c.inbound <- Event{From: c.key, Closed: true, Err: err}:
	case <-ctx.Done():
	}
}

// Send queues msg without blocking. A peer that lets its queue fill up with
// control messages is disconnected.
func (c *Conn) Send(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.outbound <- msg:
		return true
	default:
		c.fail(ErrQueueFull)
		return false
	}
}

// TrySend queues msg if there is room and reports whether it did. Unlike
// Send, a full queue leaves the connection open.
func (c *Conn) TrySend(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.outbound <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.nc.Close()
	})
	return err
}

func (c *Conn) fail(err error) {
	c.failMu.Lock()
	if c.failure == nil {
		c.failure = err
	}
	c.failMu.Unlock()
	c.Close()
}

func (c *Conn) readLoop(ctx context.Context) error {
	framer := NewFramer(c.maxFrame)
	buf := make([]byte, readBufferSize)
	for {
		if c.readTimeout > 0 {
			if err := c.nc.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
				return err
			}
		}
		n, readErr := c.nc.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n])
			for {
				msg, ok, err := framer.Next()
				if err != nil {
					return fmt.Errorf("read from %s: %w", c.key, err)
				}
				if !ok {
					break
				}
				c.logger.Debug("received", slog.String("message", msg.String()))
				select {
				case c.inbound <- Event{From: c.key, Message: msg}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if readErr != nil {
			return readErr
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context) error {
	if err := c.write(c.local.Bytes()); err != nil {
		return err
	}

	idle := time.NewTimer(c.keepAlive)
	defer idle.Stop()
	reset := func() {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(c.keepAlive)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return net.ErrClosed
		case <-idle.C:
			if err := c.write(KeepAlive()); err != nil {
				return err
			}
			idle.Reset(c.keepAlive)
		case msg := <-c.outbound:
			if msg.ID == models.MessageIDPiece {
				if err := c.throttle(ctx, len(msg.Block)); err != nil {
					return err
				}
			}
			if err := c.write(msg.Bytes()); err != nil {
				return err
			}
			c.logger.Debug("sent", slog.String("message", msg.String()))
			reset()
		}
	}
}

func (c *Conn) throttle(ctx context.Context, n int) error {
	if c.limiter == nil || c.limiter.Limit() == rate.Inf || c.limiter.Burst() <= 0 {
		return nil
	}
	for n > 0 {
		chunk := min(n, c.limiter.Burst())
		if err := c.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (c *Conn) write(b []byte) error {
	if err := c.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.nc.Write(b)
	if err != nil {
		return fmt.Errorf("write to %s: %w", c.key, err)
	}
	return nil
}
