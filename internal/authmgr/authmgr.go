// Package authmgr implements C6: fetching, refreshing, and rotating
// credentials, coordinated with the transport so rotations never
// interleave with ordinary server traffic.
package authmgr

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is what a TokenFetcher returns: an opaque token plus an
// optional known expiry used to schedule a proactive refresh. Admin,
// if true, presents the token as tokenType:"Admin" rather than "User";
// FakeIdentity carries the optional impersonation target for an admin
// credential (spec §4.2 setAdminAuth(token, fakeIdentity?)).
type Credential struct {
	Token        string
	ExpiresAt    *time.Time
	Admin        bool
	FakeIdentity *string
}

// TokenFetcher is the manager's one extension point for obtaining
// credentials, modeled as a narrow one-method interface rather than a
// base class to subclass.
type TokenFetcher interface {
	FetchToken(ctx context.Context, forceRefresh bool) (Credential, bool)
}

// defaultRefreshLead is how long before a known expiry the manager
// proactively refreshes.
const defaultRefreshLead = 60 * time.Second

// Manager coordinates token fetch/refresh/rotation. It never talks to
// the transport or subscription table directly — those are injected
// as narrow function capabilities at construction, per the "handle
// and registry, not mutual object references" guidance for cyclic
// lifecycle dependencies.
type Manager struct {
	pause   func()
	resume  func()
	present func(cred Credential) any // builds+records the Authenticate(User|Admin) frame
	clear   func() any                // builds+records the Authenticate(None) frame
	send    func(frame any) bool
	logger  *log.Logger

	mu              sync.Mutex
	fetcher         TokenFetcher
	onChange        func(bool)
	currentToken    string
	confirmed       bool
	priorErrorToken *string
	refreshTimer    *time.Timer
	closed          bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an auth manager. pause/resume/send/present/clear are
// the transport and subscription-table capabilities it needs.
func New(pause, resume func(), present func(cred Credential) any, clear func() any, send func(any) bool, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{pause: pause, resume: resume, present: present, clear: clear, send: send, logger: logger, ctx: ctx, cancel: cancel}
}

// spawnFetch runs fetchAndPresent on its own goroutine, tracked by the
// manager's WaitGroup and bound to its cancelable context, so Close can
// actually wait for (and cancel) every in-flight fetch instead of
// leaving a stale goroutine free to touch transport/subscription state
// after the client has shut down.
func (m *Manager) spawnFetch(isErrorRecovery bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.fetchAndPresent(ctx, isErrorRecovery)
	}()
}

// SetAuth installs a fetcher and starts the initial fetch-and-present
// cycle asynchronously.
func (m *Manager) SetAuth(fetcher TokenFetcher, onChange func(bool)) {
	m.mu.Lock()
	m.fetcher = fetcher
	m.onChange = onChange
	m.mu.Unlock()
	m.spawnFetch(false)
}

// OnAuthError handles a server-reported rejection of the currently
// presented token: invalidate it, fetch a fresh one, and re-present.
func (m *Manager) OnAuthError() {
	m.mu.Lock()
	m.confirmed = false
	m.mu.Unlock()
	m.spawnFetch(true)
}

// OnTransition observes that a transition arrived after a pending auth
// change was presented; promotes it to confirmed and fires onChange(true).
func (m *Manager) OnTransition() {
	m.mu.Lock()
	if m.currentToken == "" || m.confirmed {
		m.mu.Unlock()
		return
	}
	m.confirmed = true
	m.priorErrorToken = nil
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil {
		onChange(true)
	}
}

// Clear presents tokenType:"None" and forgets the fetcher.
func (m *Manager) Clear() {
	m.mu.Lock()
	clear := m.clear
	m.currentToken = ""
	m.confirmed = false
	m.priorErrorToken = nil
	m.fetcher = nil
	m.onChange = nil
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	m.mu.Unlock()

	if clear == nil {
		return
	}
	m.pause()
	m.send(clear())
	m.resume()
}

// Close stops any pending proactive refresh, cancels any in-flight
// fetch, and waits for every fetchAndPresent goroutine to return before
// returning itself — so the caller never observes a stale refresh
// touching transport or subscription state after Close returns.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Manager) fetchAndPresent(ctx context.Context, isErrorRecovery bool) {
	m.mu.Lock()
	fetcher := m.fetcher
	closed := m.closed
	m.mu.Unlock()
	if closed || fetcher == nil {
		return
	}

	cred, ok := fetcher.FetchToken(ctx, isErrorRecovery)
	if !ok {
		m.mu.Lock()
		onChange := m.onChange
		m.mu.Unlock()
		if onChange != nil {
			onChange(false)
		}
		return
	}

	m.mu.Lock()
	if m.closed {
		// Close ran while FetchToken was in flight; Close is already
		// waiting on m.wg, so presenting now would race a shutting-down
		// transport. Drop the result.
		m.mu.Unlock()
		return
	}
	if isErrorRecovery && m.priorErrorToken != nil && *m.priorErrorToken == cred.Token {
		// Second consecutive auth error with no token change: the
		// refresh cycle cannot recover. Report permanent failure.
		m.priorErrorToken = nil
		m.currentToken = ""
		clear := m.clear
		onChange := m.onChange
		m.mu.Unlock()

		if clear != nil {
			m.pause()
			m.send(clear())
			m.resume()
		}
		m.logger.Printf("authmgr: auth refresh failed permanently (token unchanged after retry)")
		if onChange != nil {
			onChange(false)
		}
		return
	}

	if isErrorRecovery {
		tok := cred.Token
		m.priorErrorToken = &tok
	}
	m.currentToken = cred.Token
	m.confirmed = false
	present := m.present
	m.mu.Unlock()

	m.pause()
	m.send(present(cred))
	m.resume()

	m.scheduleProactiveRefresh(cred.ExpiresAt, cred.Token)
}

func (m *Manager) scheduleProactiveRefresh(expiresAt *time.Time, token string) {
	exp := expiresAt
	if exp == nil {
		exp = peekJWTExpiry(token)
	}
	if exp == nil {
		return
	}

	delay := time.Until(*exp) - defaultRefreshLead
	if delay < 0 {
		delay = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	m.refreshTimer = time.AfterFunc(delay, func() {
		m.spawnFetch(false)
	})
}

// peekJWTExpiry best-effort extracts the "exp" claim without
// verifying the signature — verification is the server's job; the
// client only needs the hint to schedule a refresh. Tokens that
// aren't JWTs (or lack "exp") simply get no proactive refresh.
func peekJWTExpiry(token string) *time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil
	}
	expVal, ok := claims["exp"]
	if !ok {
		return nil
	}
	f, ok := expVal.(float64)
	if !ok {
		return nil
	}
	t := time.Unix(int64(f), 0)
	return &t
}
