package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/imap-bridge/internal/config"
	"github.com/brandon/imap-bridge/internal/errs"
)

// DriverFactory produces a protocol driver for an account. Production wiring
// uses imapcli.NewDriver; tests inject fakes.
type DriverFactory func(account *config.AccountConfig) Driver

// Pool maps account ids to usable sessions. At most cfg.PoolMaxPerAccount
// sessions exist per account; callers beyond the limit wait in arrival
// order. Idle sessions past the configured timeout are closed to free the
// remote server's connection slot.
type Pool struct {
	cfg        *config.Config
	logger     *logrus.Logger
	newDriver  DriverFactory
	onHealth   func(accountID string, healthy bool)
	reapTicker *time.Ticker
	reapDone   chan struct{}

	mu       sync.Mutex
	accounts map[string]*accountPool
	closed   bool
}

type accountPool struct {
	limit   int
	total   int
	idle    []*Session
	waiters []chan *Session
}

// NewPool creates a session pool.
func NewPool(cfg *config.Config, newDriver DriverFactory, logger *logrus.Logger, onHealth func(string, bool)) *Pool {
	p := &Pool{
		cfg:       cfg,
		logger:    logger,
		newDriver: newDriver,
		onHealth:  onHealth,
		accounts:  make(map[string]*accountPool),
		reapDone:  make(chan struct{}),
	}

	interval := cfg.IdleSessionTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	p.reapTicker = time.NewTicker(interval)
	go p.reapLoop()

	return p
}

// Acquire returns a session for the account, blocking until one is free or
// a new one can be opened. ctx cancellation aborts only the wait, never an
// in-flight protocol operation.
func (p *Pool) Acquire(ctx context.Context, accountID string) (*Session, error) {
	account, ok := p.cfg.GetAccount(accountID)
	if !ok {
		return nil, errs.New(errs.KindAccount, "unknown account %q", accountID)
	}
	if account.Disabled {
		return nil, errs.New(errs.KindAccount, "account %q is disabled", accountID)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errs.New(errs.KindInternal, "session pool is closed")
	}

	ap := p.accounts[accountID]
	if ap == nil {
		ap = &accountPool{limit: p.cfg.PoolMaxPerAccount}
		p.accounts[accountID] = ap
	}

	if n := len(ap.idle); n > 0 {
		s := ap.idle[n-1]
		ap.idle = ap.idle[:n-1]
		p.mu.Unlock()
		return s, nil
	}

	if ap.total < ap.limit {
		ap.total++
		p.mu.Unlock()
		return NewSession(accountID, p.newDriver(account), p.logger, p.onHealth), nil
	}

	// All sessions busy: wait in arrival order.
	waiter := make(chan *Session, 1)
	ap.waiters = append(ap.waiters, waiter)
	p.mu.Unlock()

	select {
	case s := <-waiter:
		return s, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, w := range ap.waiters {
			if w == waiter {
				ap.waiters = append(ap.waiters[:i], ap.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		// A release may have raced the cancellation; put the session back.
		select {
		case s := <-waiter:
			p.Release(s)
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errs.Wrap(errs.KindTimeout, ctx.Err(), "waiting for session for account %q", accountID)
		}
		return nil, errs.Wrap(errs.KindInternal, ctx.Err(), "session wait abandoned for account %q", accountID)
	}
}

// Release returns a session to the pool. Unhealthy sessions are destroyed
// and, if someone is waiting, replaced with a fresh one.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}

	p.mu.Lock()
	ap := p.accounts[s.AccountID]
	if ap == nil || p.closed {
		p.mu.Unlock()
		s.Close() //nolint:errcheck
		return
	}

	if !s.Healthy() {
		ap.total--
		var replacement *Session
		if len(ap.waiters) > 0 && ap.total < ap.limit {
			if account, ok := p.cfg.GetAccount(s.AccountID); ok {
				ap.total++
				replacement = NewSession(s.AccountID, p.newDriver(account), p.logger, p.onHealth)
			}
		}
		if replacement != nil {
			w := ap.waiters[0]
			ap.waiters = ap.waiters[1:]
			w <- replacement
		}
		p.mu.Unlock()
		s.Close() //nolint:errcheck
		return
	}

	if len(ap.waiters) > 0 {
		w := ap.waiters[0]
		ap.waiters = ap.waiters[1:]
		// Hand off under the lock: a cancelling waiter that no longer finds
		// itself queued re-checks its buffer after taking the lock, so the
		// session is already there and gets released instead of stranded.
		w <- s
		p.mu.Unlock()
		return
	}

	ap.idle = append(ap.idle, s)
	p.mu.Unlock()
}

// WithSession acquires a session, runs fn, and releases it.
func (p *Pool) WithSession(ctx context.Context, accountID string, fn func(*Session) error) error {
	s, err := p.Acquire(ctx, accountID)
	if err != nil {
		return err
	}
	defer p.Release(s)
	return fn(s)
}

// Close shuts the pool down and closes every idle session.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var toClose []*Session
	for _, ap := range p.accounts {
		toClose = append(toClose, ap.idle...)
		ap.idle = nil
	}
	p.mu.Unlock()

	p.reapTicker.Stop()
	close(p.reapDone)

	for _, s := range toClose {
		s.Close() //nolint:errcheck
	}
}

func (p *Pool) reapLoop() {
	for {
		select {
		case <-p.reapDone:
			return
		case <-p.reapTicker.C:
			p.reapIdle(time.Now())
		}
	}
}

// reapIdle closes idle sessions whose last activity is older than the idle
// timeout.
func (p *Pool) reapIdle(now time.Time) {
	cutoff := now.Add(-p.cfg.IdleSessionTimeout)

	p.mu.Lock()
	var toClose []*Session
	for _, ap := range p.accounts {
		kept := ap.idle[:0]
		for _, s := range ap.idle {
			if s.LastUsed().Before(cutoff) {
				toClose = append(toClose, s)
				ap.total--
			} else {
				kept = append(kept, s)
			}
		}
		ap.idle = kept
	}
	p.mu.Unlock()

	for _, s := range toClose {
		p.logger.WithFields(logrus.Fields{"account": s.AccountID, "session": s.ID}).Debug("Closing idle session")
		s.Close() //nolint:errcheck
	}
}
