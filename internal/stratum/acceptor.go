package stratum

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

// Conn is what a handler gets for one accepted connection. Writes are safe
// for concurrent use and each call is written whole.
type Conn interface {
	ID() uint64
	RemoteAddr() string
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// ConnHandler serves one connection. The connection is closed after
// HandleConn returns.
type ConnHandler interface {
	HandleConn(ctx context.Context, c Conn)
}

// Acceptor owns the listening socket and every accepted connection.
type Acceptor struct {
	handler      ConnHandler
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *log.Logger

	swg    sizedwaitgroup.SizedWaitGroup
	nextID atomic.Uint64

	mu       sync.Mutex
	listener net.Listener
	conns    map[uint64]*conn
	cancel   context.CancelFunc
	loopDone chan struct{}
	stopped  bool
}

// NewAcceptor creates an acceptor running at most maxConns handlers at once;
// maxConns <= 0 means no limit. Zero timeouts disable the corresponding deadline.
func NewAcceptor(handler ConnHandler, maxConns int, readTimeout, writeTimeout time.Duration, logger *log.Logger) *Acceptor {
	return &Acceptor{
		handler:      handler,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		logger:       logger.WithComponent("acceptor"),
		swg:          sizedwaitgroup.New(maxConns),
		conns:        make(map[uint64]*conn),
	}
}

// ListenAndServe listens on addr and serves until Stop or ctx ends.
func (a *Acceptor) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Transport(err, "listen", "failed to listen").WithContext("address", addr)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts connections on ln until Stop or ctx ends. Once the
// connection limit is reached, accepting pauses until a handler returns.
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	a.listener = ln
	a.cancel = cancel
	a.loopDone = make(chan struct{})
	defer close(a.loopDone)
	a.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	a.logger.Info("accepting connections", "address", ln.Addr().String())

	var backoff time.Duration
	for {
		if err := a.swg.AddWithContext(ctx); err != nil {
			return nil
		}

		nc, err := ln.Accept()
		if err != nil {
			a.swg.Done()
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			a.logger.WithError(err).Warn("accept failed", "retry_in", backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0

		c := a.track(nc)
		if c == nil {
			a.swg.Done()
			continue
		}
		go a.serveConn(ctx, c)
	}
}

func (a *Acceptor) serveConn(ctx context.Context, c *conn) {
	defer a.swg.Done()
	defer a.untrack(c)

	a.handler.HandleConn(ctx, c)
}

func (a *Acceptor) track(nc net.Conn) *conn {
	c := &conn{
		Conn:         nc,
		id:           a.nextID.Add(1),
		readTimeout:  a.readTimeout,
		writeTimeout: a.writeTimeout,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		_ = nc.Close()
		return nil
	}
	a.conns[c.id] = c
	return c
}

func (a *Acceptor) untrack(c *conn) {
	if err := c.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
		a.logger.WithError(err).Debug("failed to close connection", "conn_id", c.id)
	}
	a.mu.Lock()
	delete(a.conns, c.id)
	a.mu.Unlock()
}

// Addr returns the listening address, or nil before Serve.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Connections returns the number of open connections.
func (a *Acceptor) Connections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

// Stop closes the listener and every open connection, then waits for the
// handlers to return or ctx to end.
func (a *Acceptor) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.stopped = true
	if a.cancel != nil {
		a.cancel()
	}
	if a.listener != nil {
		_ = a.listener.Close()
	}
	loopDone := a.loopDone
	a.mu.Unlock()

	// No handler starts once the accept loop is gone.
	if loopDone != nil {
		select {
		case <-loopDone:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "stop_acceptor", "accept loop still running")
		}
	}

	a.mu.Lock()
	open := make([]*conn, 0, len(a.conns))
	for _, c := range a.conns {
		open = append(open, c)
	}
	a.mu.Unlock()

	for _, c := range open {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		a.swg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("all connections closed", "closed", len(open))
		return nil
	case <-ctx.Done():
		a.logger.Warn("shutdown timeout exceeded", "open", a.Connections())
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "stop_acceptor", "connections still open")
	}
}

type conn struct {
	net.Conn
	id           uint64
	readTimeout  time.Duration
	writeTimeout time.Duration

	wmu sync.Mutex
}

func (c *conn) ID() uint64 { return c.id }

func (c *conn) RemoteAddr() string { return c.Conn.RemoteAddr().String() }

func (c *conn) Read(p []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}
