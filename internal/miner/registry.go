// Package miner manages pool accounts and tracks which of them currently
// hold an authorized Stratum session.
package miner

import (
	"context"
	"crypto/subtle"
	stderrors "errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bardlex/poolcore/internal/store"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
)

// Registry registers accounts and tracks online miners. The store is the
// source of truth for credentials and status; the online set mirrors the
// sessions of this process.
type Registry struct {
	miners store.MinerStore
	now    func() time.Time
	logger *log.Logger

	// accounts serializes status writes per username.
	accounts keyedMutex

	mu sync.Mutex
	// online counts authorized sessions per username.
	online map[string]int
}

// NewRegistry returns a registry backed by miners.
func NewRegistry(miners store.MinerStore, logger *log.Logger) *Registry {
	return &Registry{
		miners: miners,
		now:    time.Now,
		logger: logger.WithComponent("miner_registry"),
		accounts: keyedMutex{
			locks: make(map[string]*accountLock),
		},
		online: make(map[string]int),
	}
}

// Register creates an account. It reports false without error when the
// username is already taken.
func (r *Registry) Register(ctx context.Context, username, password, address string) (bool, error) {
	switch {
	case username == "" || password == "":
		return false, errors.New(errors.ErrorTypeValidation, "register_miner", "username and password are required")
	case strings.ContainsAny(username, ". \t"):
		return false, errors.New(errors.ErrorTypeValidation, "register_miner", "username may not contain dots or spaces").
			WithContext("username", username)
	}

	err := r.miners.InsertMiner(ctx, &store.Miner{
		Username: username,
		Password: password,
		Address:  address,
		Status:   store.MinerOffline,
	})
	if stderrors.Is(err, store.ErrDuplicateMiner) {
		r.logger.WithMiner(username).Info("registration rejected, username taken")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	r.logger.WithMiner(username).Info("miner registered", "address", address)
	return true, nil
}

// Connect checks credentials and marks the miner online.
//
// Parameters:
//   - ctx: bounds the store calls
//   - username: account name, without any worker suffix
//   - password: compared in constant time with the stored one
//
// Returns:
//   - true when the credentials match. A failure to persist the online
//     status is logged and the session is still counted.
//   - false for unknown usernames, wrong passwords or an unreadable account.
func (r *Registry) Connect(ctx context.Context, username, password string) bool {
	logger := r.logger.WithMiner(username)

	m, err := r.miners.SelectMinerByUsername(ctx, username)
	if err != nil {
		if !stderrors.Is(err, store.ErrNotFound) {
			logger.WithError(err).Error("failed to load miner")
		} else {
			logger.Info("authentication failed, unknown miner")
		}
		return false
	}

	if subtle.ConstantTimeCompare([]byte(m.Password), []byte(password)) != 1 {
		logger.Info("authentication failed, wrong password")
		return false
	}

	unlock := r.accounts.lock(username)
	defer unlock()

	if err := r.miners.UpdateStatus(ctx, username, store.MinerOnline, r.now()); err != nil {
		logger.WithError(err).Error("failed to mark miner online")
	}

	r.mu.Lock()
	r.online[username]++
	n := r.online[username]
	r.mu.Unlock()

	logger.Info("miner connected", "sessions", n)
	return true
}

// Disconnect releases one session of username. The stored status becomes
// offline when the last session goes; any other call only refreshes
// last_seen. It always reports true.
func (r *Registry) Disconnect(ctx context.Context, username string) bool {
	unlock := r.accounts.lock(username)
	defer unlock()

	r.mu.Lock()
	n, wasOnline := r.online[username]
	status := store.MinerOffline
	if wasOnline && n > 1 {
		r.online[username] = n - 1
		status = store.MinerOnline
	} else {
		delete(r.online, username)
	}
	r.mu.Unlock()

	r.touch(ctx, username, status)
	if wasOnline && status == store.MinerOffline {
		r.logger.WithMiner(username).Info("miner disconnected")
	}
	return true
}

func (r *Registry) touch(ctx context.Context, username string, status store.MinerStatus) {
	err := r.miners.UpdateStatus(ctx, username, status, r.now())
	if err != nil && !stderrors.Is(err, store.ErrNotFound) {
		r.logger.WithMiner(username).WithError(err).Warn("failed to update miner status")
	}
}

// Online lists the usernames with at least one session, sorted.
func (r *Registry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.online))
	for u := range r.online {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// IsOnline reports whether username has a session.
func (r *Registry) IsOnline(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online[username] > 0
}

type accountLock struct {
	sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &accountLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
