package stratum

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/poolcore/internal/messaging"
	"github.com/bardlex/poolcore/internal/store"
	"github.com/bardlex/poolcore/pkg/log"
)

const releaseTimeout = 5 * time.Second

// Server runs a Session on every connection it is handed and pushes jobs to
// all live sessions.
type Server struct {
	handler *Handler
	now     func() time.Time
	logger  *log.Logger

	observe func(event string, active int)

	mu       sync.Mutex
	sessions map[uint64]*Session
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithConnectionObserver calls fn with "connected" or "disconnected" and the
// resulting session count whenever a session starts or ends.
func WithConnectionObserver(fn func(event string, active int)) ServerOption {
	return func(s *Server) { s.observe = fn }
}

// NewServer creates a server dispatching requests to handler.
func NewServer(handler *Handler, logger *log.Logger, opts ...ServerOption) *Server {
	s := &Server{
		handler:  handler,
		now:      time.Now,
		logger:   logger.WithComponent("stratum_server"),
		sessions: make(map[uint64]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleConn serves c until it closes, then releases the miner it authorized.
func (s *Server) HandleConn(ctx context.Context, c Conn) {
	session, err := NewSession(c, s.logger)
	if err != nil {
		s.logger.WithError(err).Error("failed to create session")
		return
	}

	s.add(session)
	defer s.remove(session)

	if err := session.Serve(ctx, s.handler); err != nil {
		s.logger.WithError(err).Warn("session ended with error", "conn_id", c.ID())
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	s.handler.release(releaseCtx, session)
}

func (s *Server) add(session *Session) {
	s.mu.Lock()
	s.sessions[session.ID()] = session
	n := len(s.sessions)
	s.mu.Unlock()

	if s.observe != nil {
		s.observe("connected", n)
	}
}

func (s *Server) remove(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session.ID())
	n := len(s.sessions)
	s.mu.Unlock()

	if s.observe != nil {
		s.observe("disconnected", n)
	}
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Broadcast pushes job to every subscribed session and returns how many
// accepted it. The session set is copied under the lock and written to after
// releasing it.
func (s *Server) Broadcast(job *store.Job) int {
	line, err := encodeNotify(job, s.now())
	if err != nil {
		s.logger.WithJob(job.ID).WithError(err).Error("failed to build notify")
		return 0
	}

	s.mu.Lock()
	targets := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		targets = append(targets, session)
	}
	s.mu.Unlock()

	sent := 0
	for _, session := range targets {
		if !session.receivesJobs() {
			continue
		}
		if err := session.sendLine(line); err != nil {
			s.logger.WithError(err).Warn("failed to send job to session", "conn_id", session.ID())
			continue
		}
		sent++
	}

	s.logger.LogJobDistribution(job.ID, sent)
	return sent
}

// ConsumeTasks broadcasts every task received on sub until ctx ends or the
// subscription closes. Malformed tasks are skipped.
func (s *Server) ConsumeTasks(ctx context.Context, sub messaging.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			task, err := messaging.DecodeTask(msg.Value)
			if err != nil {
				s.logger.WithError(err).Warn("skipping malformed task", "key", msg.Key)
				continue
			}
			s.Broadcast(JobFromTask(task))
		}
	}
}

// JobFromTask rebuilds the notify-relevant part of a job from its task
// message.
func JobFromTask(task *messaging.TaskMessage) *store.Job {
	return &store.Job{
		ID:            task.JobID,
		CoinbaseHex:   task.Coinbase,
		MerkleRootHex: task.MerkleRoot,
		PrevBlockHash: task.PreviousHash,
		TargetHex:     task.Target,
		LeadingZeros:  task.DifficultyTarget,
		Status:        store.JobActive,
		CreatedAt:     time.Unix(task.Timestamp, 0),
	}
}
