// Package session owns the broker authentication token. A Provider hands out
// the current token, renews it before expiry, and degrades after repeated
// renewal failures until an operator re-authenticates.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"levelx/internal/domain"
	"levelx/internal/metrics"
)

// ErrDegraded is returned while the provider refuses to issue tokens.
var ErrDegraded = errors.New("session degraded: re-authentication required")

// Authenticator performs the broker's login and token validation calls.
type Authenticator interface {
	// Login obtains a fresh token from credentials.
	Login(ctx context.Context) (string, error)
	// Validate exchanges a still-valid token for a renewed one.
	Validate(ctx context.Context, token string) (string, error)
}

// Token is a bearer token and how long it remains valid.
type Token struct {
	Value     string
	ExpiresAt time.Time
	Remaining time.Duration
}

// TokenSource is the capability networked components depend on.
type TokenSource interface {
	CurrentToken(ctx context.Context) (Token, error)
	Invalidate(token string)
}

// Status is the provider's health.
type Status int

// Provider statuses.
const (
	StatusHealthy Status = iota
	StatusDegraded
)

func (s Status) String() string {
	if s == StatusDegraded {
		return "degraded"
	}
	return "healthy"
}

// Config controls renewal timing.
type Config struct {
	TokenTTL       time.Duration
	RenewBefore    time.Duration
	AcquireTimeout time.Duration
	MaxFailures    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	CheckInterval  time.Duration
}

// Option customises a Provider.
type Option func(*Provider)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithLogger sets the provider's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger.With("component", "session") }
}

// Provider issues tokens. All methods are safe for concurrent use.
type Provider struct {
	auth   Authenticator
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	current atomic.Pointer[domain.Session]

	mu       sync.Mutex
	renewing chan struct{} // non-nil while a renewal is in flight
	failures int
	retryAt  time.Time // background renewals wait until then after a failure
	lastErr  error
	status   Status
	watchers []chan Status
}

// NewProvider creates a Provider. No token is acquired until the first
// CurrentToken call or Run.
func NewProvider(auth Authenticator, cfg Config, opts ...Option) *Provider {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.RenewBefore <= 0 {
		cfg.RenewBefore = time.Hour
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 15 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}

	p := &Provider{
		auth:   auth,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "session"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CurrentToken returns a valid token. Inside the renewal window it starts a
// background renewal and returns the current token at once; callers only
// wait, for at most the acquire timeout, when there is no token or it has
// expired.
func (p *Provider) CurrentToken(ctx context.Context) (Token, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	for {
		if p.Status() == StatusDegraded {
			return Token{}, &domain.FatalError{Component: "session", Err: ErrDegraded}
		}

		s := p.current.Load()
		now := p.now()
		if s != nil && s.Remaining(now) > p.cfg.RenewBefore {
			return p.token(s, now), nil
		}
		if s != nil && !s.Expired(now) {
			p.renewInBackground(now)
			return p.token(s, now), nil
		}

		done := p.renew()
		select {
		case <-done:
		case <-ctx.Done():
			return Token{}, p.acquireErr(ctx.Err())
		}

		now = p.now()
		if fresh := p.current.Load(); fresh != nil && fresh.Remaining(now) > p.cfg.RenewBefore {
			return p.token(fresh, now), nil
		}
		if fresh := p.current.Load(); fresh != nil && !fresh.Expired(now) {
			// Renewal failed but the existing token is still good.
			return p.token(fresh, now), nil
		}

		if p.Status() == StatusDegraded {
			continue
		}
		select {
		case <-time.After(p.backoff()):
		case <-ctx.Done():
			return Token{}, p.acquireErr(ctx.Err())
		}
	}
}

func (p *Provider) token(s *domain.Session, now time.Time) Token {
	return Token{Value: s.Token, ExpiresAt: s.ExpiresAt, Remaining: s.Remaining(now)}
}

func (p *Provider) acquireErr(ctxErr error) error {
	p.mu.Lock()
	last := p.lastErr
	p.mu.Unlock()
	if last == nil {
		last = ctxErr
	}
	return &domain.TransientError{Op: "session.CurrentToken", Err: fmt.Errorf("no valid token: %w", last)}
}

// Invalidate forces renewal when token is the current token. Callers use it
// after the broker rejects a token as unauthorized.
func (p *Provider) Invalidate(token string) {
	s := p.current.Load()
	if s == nil || s.Token != token {
		return
	}
	expired := &domain.Session{Token: s.Token, IssuedAt: s.IssuedAt, ExpiresAt: s.IssuedAt, Accounts: s.Accounts}
	if p.current.CompareAndSwap(s, expired) {
		p.logger.Warn("token invalidated by broker, forcing renewal")
	}
}

// renewInBackground starts a renewal for a token that is still usable,
// unless a failed attempt asked to back off until later.
func (p *Provider) renewInBackground(now time.Time) {
	p.mu.Lock()
	wait := now.Before(p.retryAt)
	p.mu.Unlock()
	if !wait {
		p.renew()
	}
}

// renew starts a renewal unless one is in flight and returns a channel that
// closes when it finishes.
func (p *Provider) renew() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.renewing != nil {
		return p.renewing
	}
	ch := make(chan struct{})
	p.renewing = ch
	go p.doRenew(ch)
	return ch
}

func (p *Provider) doRenew(done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
	defer cancel()

	token, err := p.fetch(ctx)

	p.mu.Lock()
	defer func() {
		p.renewing = nil
		p.mu.Unlock()
		close(done)
	}()

	if err != nil {
		p.failures++
		p.lastErr = err
		p.retryAt = p.now().Add(p.backoffLocked())
		metrics.SessionRenewals.WithLabelValues("error").Inc()
		p.logger.Warn("token renewal failed", "failures", p.failures, "error", err)
		if p.failures >= p.cfg.MaxFailures && p.status != StatusDegraded {
			p.setStatusLocked(StatusDegraded)
			p.logger.Error("session degraded", "failures", p.failures)
		}
		return
	}

	now := p.now()
	p.current.Store(&domain.Session{Token: token, IssuedAt: now, ExpiresAt: now.Add(p.cfg.TokenTTL)})
	p.failures = 0
	p.retryAt = time.Time{}
	p.lastErr = nil
	metrics.SessionRenewals.WithLabelValues("ok").Inc()
	p.logger.Info("token renewed", "expires_at", now.Add(p.cfg.TokenTTL))
}

// fetch validates the current token when it is still usable and falls back
// to a full login.
func (p *Provider) fetch(ctx context.Context) (string, error) {
	if s := p.current.Load(); s != nil && !s.Expired(p.now()) {
		token, err := p.auth.Validate(ctx, s.Token)
		if err == nil && token != "" {
			return token, nil
		}
		p.logger.Debug("token validation failed, logging in", "error", err)
	}
	token, err := p.auth.Login(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", &domain.AuthError{Op: "session.Login", Err: errors.New("empty token")}
	}
	return token, nil
}

func (p *Provider) backoff() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backoffLocked()
}

func (p *Provider) backoffLocked() time.Duration {
	n := p.failures
	d := p.cfg.RetryBaseDelay
	for i := 1; i < n && d < p.cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > p.cfg.RetryMaxDelay {
		d = p.cfg.RetryMaxDelay
	}
	return d
}

// Reauthenticate performs a full login regardless of status and lifts the
// degraded state on success.
func (p *Provider) Reauthenticate(ctx context.Context) error {
	token, err := p.auth.Login(ctx)
	if err != nil {
		return fmt.Errorf("re-authenticate: %w", err)
	}
	if token == "" {
		return &domain.AuthError{Op: "session.Reauthenticate", Err: errors.New("empty token")}
	}

	now := p.now()
	p.current.Store(&domain.Session{Token: token, IssuedAt: now, ExpiresAt: now.Add(p.cfg.TokenTTL)})

	p.mu.Lock()
	p.failures = 0
	p.retryAt = time.Time{}
	p.lastErr = nil
	if p.status != StatusHealthy {
		p.setStatusLocked(StatusHealthy)
	}
	p.mu.Unlock()

	p.logger.Info("re-authenticated")
	return nil
}

// Status returns the provider's health.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Session returns the current session, or nil before the first login.
func (p *Provider) Session() *domain.Session {
	return p.current.Load()
}

// Watch returns a channel receiving every status change. Slow watchers miss
// intermediate changes rather than blocking the provider.
func (p *Provider) Watch() <-chan Status {
	ch := make(chan Status, 4)
	p.mu.Lock()
	p.watchers = append(p.watchers, ch)
	p.mu.Unlock()
	return ch
}

func (p *Provider) setStatusLocked(s Status) {
	p.status = s
	if s == StatusDegraded {
		metrics.SessionDegraded.Set(1)
	} else {
		metrics.SessionDegraded.Set(0)
	}
	for _, ch := range p.watchers {
		select {
		case ch <- s:
		default:
		}
	}
}

// Run renews the token proactively until ctx is cancelled. It retries failed
// renewals with exponential backoff and idles while degraded.
func (p *Provider) Run(ctx context.Context) error {
	for {
		wait := p.cfg.CheckInterval
		if p.Status() == StatusHealthy {
			s := p.current.Load()
			if s == nil || s.Remaining(p.now()) <= p.cfg.RenewBefore {
				select {
				case <-p.renew():
				case <-ctx.Done():
					return ctx.Err()
				}
				p.mu.Lock()
				failed := p.failures > 0
				p.mu.Unlock()
				if failed {
					wait = p.backoff()
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Static is a TokenSource that always returns the same token. It is used by
// tools that authenticate out of band.
type Static string

// CurrentToken implements TokenSource.
func (s Static) CurrentToken(context.Context) (Token, error) {
	return Token{Value: string(s), Remaining: 24 * time.Hour}, nil
}

// Invalidate implements TokenSource.
func (Static) Invalidate(string) {}
