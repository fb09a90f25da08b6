package stratum

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	stderrors "errors"
	"io"
	"net"
	"sync"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

// State is the protocol state of a session.
type State int

const (
	StateConnected State = iota
	StateSubscribed
	StateAuthorized
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	maxLineSize     = 16 * 1024
	outboundBacklog = 64
	extraNonce1Size = 4
)

// MessageHandler handles the requests of one session, one at a time.
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, req *Request) error
}

// Session represents a Stratum mining session
type Session struct {
	conn   Conn
	logger *log.Logger

	difficultySubID string
	notifySubID     string
	extraNonce1     string

	mu       sync.RWMutex
	state    State
	username string

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session with fresh subscription ids and extranonce1.
func NewSession(conn Conn, logger *log.Logger) (*Session, error) {
	tokens, err := randomHex(16, 16, extraNonce1Size)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "new_session", "failed to generate session tokens")
	}
	return &Session{
		conn:            conn,
		logger:          logger.WithFields("conn_id", conn.ID(), "remote_addr", conn.RemoteAddr()),
		difficultySubID: tokens[0],
		notifySubID:     tokens[1],
		extraNonce1:     tokens[2],
		outbound:        make(chan []byte, outboundBacklog),
		done:            make(chan struct{}),
	}, nil
}

func randomHex(sizes ...int) ([]string, error) {
	out := make([]string, len(sizes))
	for i, n := range sizes {
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		out[i] = bitcoin.HexEncode(buf)
	}
	return out, nil
}

// Serve reads requests until the peer hangs up, ctx ends or the session is
// closed. Requests are handled strictly in arrival order; replies and pushes
// leave through a single writer.
func (s *Session) Serve(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.conn.RemoteAddr())

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()

	err := s.readLoop(ctx, handler)
	s.Close()
	wg.Wait()
	return err
}

// readLoop handles incoming messages from the client. A line longer than
// maxLineSize is discarded and answered like any other malformed message.
func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	r := getReader(s.conn)
	defer putReader(r)

	for {
		line, err := r.ReadSlice('\n')
		if stderrors.Is(err, bufio.ErrBufferFull) {
			s.logger.Warn("stratum message too long", "limit", maxLineSize)
			for stderrors.Is(err, bufio.ErrBufferFull) {
				_, err = r.ReadSlice('\n')
			}
			s.sendFormatError()
			if err != nil {
				return s.readEnd(err)
			}
			continue
		}

		if line = bytes.TrimSpace(line); len(line) > 0 {
			// The reader reuses its buffer; decoded strings must not alias it.
			s.handleLine(ctx, handler, bytes.Clone(line))
		}
		if err != nil {
			return s.readEnd(err)
		}
	}
}

func (s *Session) handleLine(ctx context.Context, handler MessageHandler, line []byte) {
	s.logger.LogStratumMessage("received", string(line))

	req, err := ParseRequest(line)
	if err != nil {
		s.logger.WithError(err).Warn("invalid stratum message")
		s.sendFormatError()
		return
	}

	if err := handler.HandleMessage(ctx, s, req); err != nil {
		s.logger.WithError(err).Warn("failed to handle message", "method", req.Method)
	}
}

func (s *Session) sendFormatError() {
	if err := s.Send(NewError(nil, ErrInvalidFormat)); err != nil {
		s.logger.WithError(err).Debug("failed to send format error")
	}
}

func (s *Session) readEnd(err error) error {
	if stderrors.Is(err, io.EOF) || s.isClosed() || stderrors.Is(err, net.ErrClosed) || stderrors.Is(err, io.ErrClosedPipe) {
		s.logger.Info("client disconnected")
		return nil
	}
	return errors.Transport(err, "read_session", "connection read failed")
}

// writeLoop handles outbound messages to the client
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.outbound:
			if _, err := s.conn.Write(data); err != nil {
				s.logger.WithError(err).Warn("failed to write message")
				s.Close()
				return
			}
			s.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
		}
	}
}

// Send queues a message for the client. It never blocks: a session whose
// backlog is full drops the message.
func (s *Session) Send(msg any) error {
	data, err := EncodeLine(msg)
	if err != nil {
		return err
	}
	return s.sendLine(data)
}

func (s *Session) sendLine(data []byte) error {
	select {
	case <-s.done:
		return errors.Transport(nil, "send", "session closed")
	default:
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return errors.Transport(nil, "send", "session closed")
	default:
		return errors.Transport(nil, "send", "outbound backlog full").WithContext("backlog", outboundBacklog)
	}
}

// Close ends the session and closes its connection. It is safe to call more
// than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		close(s.done)
		if err := s.conn.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) && !stderrors.Is(err, io.ErrClosedPipe) {
			s.logger.WithError(err).Debug("failed to close connection")
		}
		s.logger.LogConnection("disconnected", s.conn.RemoteAddr())
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ID returns the connection id.
func (s *Session) ID() uint64 {
	return s.conn.ID()
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe moves a connected session to Subscribed. An authorized session
// keeps its state.
func (s *Session) Subscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected {
		s.state = StateSubscribed
	}
}

// Authorize records username and moves the session to Authorized. It
// returns the username previously authorized on this session, and false if
// the session is already closed.
func (s *Session) Authorize(username string) (previous string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return "", false
	}
	previous = s.username
	s.username = username
	s.state = StateAuthorized
	return previous, true
}

// Username returns the authorized account, or "" before authorization.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// ExtraNonce1 returns the ExtraNonce1 value for this session.
func (s *Session) ExtraNonce1() string {
	return s.extraNonce1
}

// SubscriptionIDs returns the difficulty and notify subscription ids.
func (s *Session) SubscriptionIDs() (difficulty, notify string) {
	return s.difficultySubID, s.notifySubID
}

// receivesJobs reports whether broadcasts should reach the session.
func (s *Session) receivesJobs() bool {
	st := s.State()
	return st == StateSubscribed || st == StateAuthorized
}
