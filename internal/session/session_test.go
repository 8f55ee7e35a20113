package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"levelx/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeAuth struct {
	logins    atomic.Int32
	validates atomic.Int32
	loginErr  atomic.Pointer[error]
	validErr  atomic.Pointer[error]
	gate      chan struct{} // when non-nil, Validate blocks until closed
}

func (a *fakeAuth) Login(ctx context.Context) (string, error) {
	n := a.logins.Add(1)
	if p := a.loginErr.Load(); p != nil {
		return "", *p
	}
	return fmt.Sprintf("login-%d", n), nil
}

func (a *fakeAuth) Validate(ctx context.Context, token string) (string, error) {
	n := a.validates.Add(1)
	if p := a.validErr.Load(); p != nil {
		return "", *p
	}
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return fmt.Sprintf("validated-%d", n), nil
}

func (a *fakeAuth) failLogins(err error) { a.loginErr.Store(&err) }
func (a *fakeAuth) healLogins()          { a.loginErr.Store(nil) }

func testConfig() Config {
	return Config{
		TokenTTL:       24 * time.Hour,
		RenewBefore:    time.Hour,
		AcquireTimeout: 2 * time.Second,
		MaxFailures:    3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		CheckInterval:  10 * time.Millisecond,
	}
}

func TestCurrentTokenInitialLogin(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)}
	auth := &fakeAuth{}
	p := NewProvider(auth, testConfig(), WithClock(clock.Now))

	tok, err := p.CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-1", tok.Value)
	assert.Equal(t, 24*time.Hour, tok.Remaining)

	// Cached until the renewal window.
	clock.Advance(12 * time.Hour)
	tok, err = p.CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-1", tok.Value)
	assert.EqualValues(t, 1, auth.logins.Load())
	assert.EqualValues(t, 0, auth.validates.Load())
}

func TestCurrentTokenRenewsAtTwentyThreeHours(t *testing.T) {
	start := time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	auth := &fakeAuth{}
	p := NewProvider(auth, testConfig(), WithClock(clock.Now))

	first, err := p.CurrentToken(context.Background())
	require.NoError(t, err)

	clock.Advance(23 * time.Hour)
	tok, err := p.CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Value, tok.Value, "the old token is served while renewal runs")

	require.Eventually(t, func() bool { return p.Session().Token == "validated-1" }, time.Second, 5*time.Millisecond)
	renewed, err := p.CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "validated-1", renewed.Value)
	assert.True(t, renewed.ExpiresAt.After(first.ExpiresAt))
	assert.Equal(t, 24*time.Hour, renewed.Remaining)
	assert.True(t, renewed.ExpiresAt.After(clock.Now()), "renewed token must not be expired")
}

func TestRenewalIsSingleFlight(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)}
	auth := &fakeAuth{}
	cfg := testConfig()
	cfg.AcquireTimeout = 300 * time.Millisecond
	p := NewProvider(auth, cfg, WithClock(clock.Now))

	first, err := p.CurrentToken(context.Background())
	require.NoError(t, err)

	// Validate hangs until the gate opens; the token is still valid for 30m.
	auth.gate = make(chan struct{})
	clock.Advance(23*time.Hour + 30*time.Minute)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	elapsed := make([]time.Duration, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			begin := time.Now()
			tok, err := p.CurrentToken(context.Background())
			elapsed[i] = time.Since(begin)
			if err == nil {
				results[i] = tok.Value
			}
		}(i)
	}
	wg.Wait()

	for i, v := range results {
		assert.Equal(t, first.Value, v, "callers observe the previous token during renewal")
		assert.Less(t, elapsed[i], 100*time.Millisecond, "callers must not wait on an in-flight renewal")
	}

	close(auth.gate)
	require.Eventually(t, func() bool { return p.Session().Token == "validated-1" }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, auth.validates.Load())
}

func TestBackgroundRenewalBacksOffAfterFailure(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)}
	auth := &fakeAuth{}
	cfg := testConfig()
	cfg.MaxFailures = 10
	cfg.RetryBaseDelay = time.Second
	cfg.RetryMaxDelay = time.Minute
	p := NewProvider(auth, cfg, WithClock(clock.Now))

	_, err := p.CurrentToken(context.Background())
	require.NoError(t, err)

	unavailable := error(&domain.TransientError{Op: "Auth/validate", Err: errors.New("gateway unavailable")})
	auth.validErr.Store(&unavailable)
	auth.failLogins(unavailable)
	clock.Advance(23*time.Hour + 30*time.Minute)

	_, err = p.CurrentToken(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return auth.logins.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.renewing == nil
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		_, err = p.CurrentToken(context.Background())
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, auth.validates.Load(), "no new attempt before the backoff elapses")

	clock.Advance(2 * time.Second)
	_, err = p.CurrentToken(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return auth.validates.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDegradedAfterMaxFailures(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)}
	auth := &fakeAuth{}
	auth.failLogins(&domain.AuthError{Op: "Auth/loginKey", Err: errors.New("bad key")})
	p := NewProvider(auth, testConfig(), WithClock(clock.Now))
	watch := p.Watch()

	_, err := p.CurrentToken(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.ErrorIs(t, err, ErrDegraded)
	assert.EqualValues(t, 3, auth.logins.Load())
	assert.Equal(t, StatusDegraded, p.Status())

	select {
	case s := <-watch:
		assert.Equal(t, StatusDegraded, s)
	case <-time.After(time.Second):
		t.Fatal("watcher not notified")
	}

	// Refuses tokens without trying again.
	_, err = p.CurrentToken(context.Background())
	assert.True(t, domain.IsFatal(err))
	assert.EqualValues(t, 3, auth.logins.Load())

	auth.healLogins()
	require.NoError(t, p.Reauthenticate(context.Background()))
	assert.Equal(t, StatusHealthy, p.Status())
	assert.Equal(t, StatusHealthy, <-watch)

	tok, err := p.CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-4", tok.Value)
}

func TestFailedRenewalKeepsValidToken(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)}
	auth := &fakeAuth{}
	cfg := testConfig()
	cfg.MaxFailures = 10
	p := NewProvider(auth, cfg, WithClock(clock.Now))

	first, err := p.CurrentToken(context.Background())
	require.NoError(t, err)

	unavailable := error(&domain.TransientError{Op: "Auth/validate", Err: errors.New("gateway unavailable")})
	auth.validErr.Store(&unavailable)
	auth.failLogins(unavailable)

	clock.Advance(23*time.Hour + 30*time.Minute)
	tok, err := p.CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Value, tok.Value)
	assert.Equal(t, 30*time.Minute, tok.Remaining)
}

func TestInvalidateForcesLogin(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)}
	auth := &fakeAuth{}
	p := NewProvider(auth, testConfig(), WithClock(clock.Now))

	tok, err := p.CurrentToken(context.Background())
	require.NoError(t, err)

	p.Invalidate("some-other-token")
	again, err := p.CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok.Value, again.Value)

	p.Invalidate(tok.Value)
	renewed, err := p.CurrentToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-2", renewed.Value)
	assert.EqualValues(t, 0, auth.validates.Load(), "an invalidated token is not validated")
}

func TestRunRenewsProactively(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)}
	auth := &fakeAuth{}
	p := NewProvider(auth, testConfig(), WithClock(clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Session() != nil }, time.Second, 5*time.Millisecond)
	clock.Advance(23*time.Hour + time.Minute)
	require.Eventually(t, func() bool { return p.Session().Token == "validated-1" }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, auth.validates.Load())
}
