package stratum

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/bardlex/poolcore/internal/store"
	"github.com/bardlex/poolcore/pkg/log"
)

// JobSource provides the job announced to newly subscribed miners.
type JobSource interface {
	SelectLatestActiveJob(ctx context.Context) (*store.Job, error)
}

// Authenticator marks accounts online and offline.
type Authenticator interface {
	Connect(ctx context.Context, username, password string) bool
	Disconnect(ctx context.Context, username string) bool
}

// ShareScorer validates and records submitted shares.
type ShareScorer interface {
	Validate(ctx context.Context, worker, jobID, extraNonce2, nTime, nonce string) bool
	Reject(ctx context.Context, worker, jobID, extraNonce2, nTime, nonce string)
}

// Handler dispatches the requests of every session.
type Handler struct {
	jobs            JobSource
	miners          Authenticator
	shares          ShareScorer
	extraNonce2Size int
	now             func() time.Time
	logger          *log.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithExtraNonce2Size sets the extranonce2 size announced on subscribe.
func WithExtraNonce2Size(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.extraNonce2Size = n
		}
	}
}

// WithHandlerClock replaces time.Now for notify timestamps.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates a handler.
func NewHandler(jobs JobSource, miners Authenticator, shares ShareScorer, logger *log.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		jobs:            jobs,
		miners:          miners,
		shares:          shares,
		extraNonce2Size: 4,
		now:             time.Now,
		logger:          logger.WithComponent("handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleMessage dispatches one request.
func (h *Handler) HandleMessage(ctx context.Context, session *Session, req *Request) error {
	switch req.Method {
	case MethodSubscribe:
		return h.handleSubscribe(session, req)
	case MethodAuthorize:
		return h.handleAuthorize(ctx, session, req)
	case MethodExtranonceSubscribe:
		return h.handleExtranonceSubscribe(ctx, session, req)
	case MethodNotify:
		return h.pushLatestJob(ctx, session)
	case MethodSubmit:
		return h.handleSubmit(ctx, session, req)
	default:
		h.logger.Warn("unknown method", "method", req.Method, "conn_id", session.ID())
		return session.Send(NewError(req.ID, ErrUnknownMethod))
	}
}

func (h *Handler) handleSubscribe(session *Session, req *Request) error {
	sub := ParseSubscribeRequest(req.Params)
	session.Subscribe()

	difficultyID, notifyID := session.SubscriptionIDs()
	h.logger.Info("miner subscribed", "conn_id", session.ID(), "user_agent", sub.UserAgent)

	return session.Send(NewResult(req.ID, []any{
		[]any{
			[]any{MethodSetDifficulty, difficultyID},
			[]any{MethodNotify, notifyID},
		},
		session.ExtraNonce1(),
		h.extraNonce2Size,
	}))
}

// handleAuthorize authenticates the account part of the worker name. A
// failure leaves the session state untouched.
func (h *Handler) handleAuthorize(ctx context.Context, session *Session, req *Request) error {
	auth, err := ParseAuthorizeRequest(req.Params)
	if err != nil {
		h.logger.WithError(err).Info("invalid authorize request", "conn_id", session.ID())
		return session.Send(&Response{ID: req.ID, Result: false, Error: stringRef(ErrAuthFailed)})
	}

	account := store.AccountOf(auth.Username)
	if !h.miners.Connect(ctx, account, auth.Password) {
		return session.Send(&Response{ID: req.ID, Result: false, Error: stringRef(ErrAuthFailed)})
	}

	// Each successful authorize holds one registry session; release the
	// one this session held before.
	previous, ok := session.Authorize(account)
	if !ok {
		h.miners.Disconnect(ctx, account)
		return nil
	}
	if previous != "" {
		h.miners.Disconnect(ctx, previous)
	}
	h.logger.WithMiner(account).Info("miner authorized", "worker", auth.Username, "conn_id", session.ID())

	return session.Send(NewResult(req.ID, true))
}

func (h *Handler) handleExtranonceSubscribe(ctx context.Context, session *Session, req *Request) error {
	if err := session.Send(NewResult(req.ID, true)); err != nil {
		return err
	}
	return h.pushLatestJob(ctx, session)
}

// handleSubmit always answers true. Validity is recorded server side;
// submissions from unauthorized sessions or for another account's workers
// are recorded as invalid.
func (h *Handler) handleSubmit(ctx context.Context, session *Session, req *Request) error {
	submit, err := ParseSubmitRequest(req.Params)
	if err != nil {
		h.logger.WithError(err).Info("malformed submit", "conn_id", session.ID())
	}

	username := session.Username()
	if username == "" || !store.BelongsTo(submit.Worker, username) {
		h.logger.Info("share from unauthorized worker", "worker", submit.Worker, "conn_id", session.ID())
		h.shares.Reject(ctx, submit.Worker, submit.JobID, submit.ExtraNonce2, submit.NTime, submit.Nonce)
	} else {
		h.shares.Validate(ctx, submit.Worker, submit.JobID, submit.ExtraNonce2, submit.NTime, submit.Nonce)
	}

	return session.Send(NewResult(req.ID, true))
}

// pushLatestJob sends the newest active job to one session. Having no job
// yet is not an error.
func (h *Handler) pushLatestJob(ctx context.Context, session *Session) error {
	job, err := h.jobs.SelectLatestActiveJob(ctx)
	if stderrors.Is(err, store.ErrNotFound) {
		h.logger.Warn("no active job to notify", "conn_id", session.ID())
		return nil
	}
	if err != nil {
		return err
	}

	line, err := encodeNotify(job, h.now())
	if err != nil {
		return err
	}
	return session.sendLine(line)
}

// release hands back the registry session held by a closing session.
func (h *Handler) release(ctx context.Context, session *Session) {
	if username := session.Username(); username != "" {
		h.miners.Disconnect(ctx, username)
	}
}

func stringRef(s string) *string { return &s }
