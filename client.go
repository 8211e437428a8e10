// Package syncclient is a reactive sync client: it connects to a
// remote backend over one persistent bidirectional WebSocket and
// maintains a coherent, continuously-updated view of a set of
// server-evaluated queries, alongside mutations, actions, an
// optimistic overlay, and transparent auth rotation and reconnect.
//
// The six cooperating components (transport, local subscription
// state, remote query set, request manager, optimistic overlay, auth
// manager) live under internal/; this file is the orchestrator that
// wires them together, owns the session id, and forwards inbound
// frames to the right component.
package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/primal-host/syncclient/internal/authmgr"
	"github.com/primal-host/syncclient/internal/optimistic"
	"github.com/primal-host/syncclient/internal/protocol"
	"github.com/primal-host/syncclient/internal/queryset"
	"github.com/primal-host/syncclient/internal/requests"
	"github.com/primal-host/syncclient/internal/subscriptions"
	"github.com/primal-host/syncclient/internal/telemetry"
	"github.com/primal-host/syncclient/internal/transport"
)

// longDisconnectThreshold gates the best-effort "long_reconnect"
// telemetry ping (§9 supplemented feature): if reopening the
// connection took longer than this, the next successful open marks it.
const longDisconnectThreshold = 10 * time.Second

// Subscription is the caller's handle on one subscribed query.
type Subscription struct {
	QueryToken  string
	Unsubscribe func()
}

// ConnectionState summarizes the client's connectivity for UI
// indicators — never the caller's primary error-handling path.
type ConnectionState struct {
	IsWebSocketConnected bool
	HasInflightRequests  bool
	HasEverConnected     bool
}

// Client is the orchestrator: the public surface described in §6.
type Client struct {
	sessionID    string
	onTransition func([]string)
	opts         ClientOptions
	logger       *log.Logger

	transport *transport.Transport
	subs      *subscriptions.State
	qs        *queryset.Set
	reqs      *requests.Manager
	overlay   *optimistic.Overlay
	auth      *authmgr.Manager

	mu                sync.Mutex
	everConnected     bool
	lastOpenAt        time.Time
	fatalErr          error
	closed            bool
	closeOnce         sync.Once
	closeDone         chan struct{}
	inflightMutations int
	unloadHookEngaged bool
}

// New constructs a Client and starts connecting immediately.
// address must be an absolute http(s) URL; onTransition is invoked
// with the set of changed query tokens on every recomputation.
func New(address string, onTransition func(changedTokens []string), opts ClientOptions) (*Client, error) {
	wsURL, err := deriveSocketURL(address)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	c := &Client{
		sessionID:    uuid.NewString(),
		onTransition: onTransition,
		opts:         opts,
		logger:       opts.Logger,
		subs:         subscriptions.New(),
		qs:           queryset.New(),
		reqs:         requests.New(),
		overlay:      optimistic.New(),
		closeDone:    make(chan struct{}),
	}

	tp := transport.New(wsURL, opts.SocketFactory, c.onOpen, c.onFrame, c.logger)
	c.transport = tp

	c.auth = authmgr.New(
		tp.Pause,
		tp.Resume,
		func(cred authmgr.Credential) any {
			if cred.Admin {
				return c.subs.SetAdminAuth(cred.Token, cred.FakeIdentity)
			}
			return c.subs.SetAuth(cred.Token)
		},
		func() any { return c.subs.ClearAuth() },
		c.sendFrame,
		c.logger,
	)

	tp.Start()
	return c, nil
}

// SessionID returns this client's invariant session identifier.
func (c *Client) SessionID() string { return c.sessionID }

// Subscribe registers interest in (name, args). The returned
// Subscription's Unsubscribe must be called exactly once when no
// longer needed.
func (c *Client) Subscribe(name string, args any, journal *string) (Subscription, error) {
	if err := c.checkOpen(); err != nil {
		return Subscription{}, err
	}

	sub, unsubscribe, err := c.subs.Subscribe(name, args, journal)
	if err != nil {
		return Subscription{}, err
	}
	if sub.Modification != nil {
		c.sendFrame(*sub.Modification)
	}

	return Subscription{
		QueryToken: sub.QueryToken,
		Unsubscribe: func() {
			if frame := unsubscribe(); frame != nil {
				c.overlay.Forget(sub.QueryToken)
				c.sendFrame(*frame)
			}
		},
	}, nil
}

// Mutation submits a state-changing RPC and blocks until the server's
// effect is visible in the query view (or ctx is done, or the client
// closes). optimisticUpdate, if non-nil, is layered over the view
// immediately and discarded once the mutation completes or fails.
func (c *Client) Mutation(ctx context.Context, name string, args any, optimisticUpdate optimistic.Update) (json.RawMessage, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("syncclient: marshal mutation args: %w", err)
	}

	id, done := c.reqs.Request(requests.KindMutation, name, raw)
	c.beginUnsavedChange()
	defer c.endUnsavedChange()

	if optimisticUpdate != nil {
		c.overlay.AddUpdate(id, optimisticUpdate)
		c.recomputeAndNotify()
	}

	frame, _ := c.reqs.Frame(id)
	if c.sendFrame(frame) {
		c.reqs.MarkSent(id)
	}

	select {
	case res := <-done:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Value.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeDone:
		return nil, ErrClosed
	}
}

// beginUnsavedChange and endUnsavedChange implement the
// UnsavedChangesWarning option (§6): while UnsavedChangesWarning is
// enabled and a PageUnloadHook is configured, the hook is engaged for
// as long as at least one mutation is in flight and disengaged once
// none remain. Actions are excluded — only mutations carry state
// changes a page-unload could lose.
func (c *Client) beginUnsavedChange() {
	if !c.opts.UnsavedChangesWarning || c.opts.PageUnloadHook == nil {
		return
	}
	c.mu.Lock()
	c.inflightMutations++
	engage := !c.unloadHookEngaged
	if engage {
		c.unloadHookEngaged = true
	}
	c.mu.Unlock()
	if engage {
		c.opts.PageUnloadHook.Intercept(true)
	}
}

func (c *Client) endUnsavedChange() {
	if !c.opts.UnsavedChangesWarning || c.opts.PageUnloadHook == nil {
		return
	}
	c.mu.Lock()
	c.inflightMutations--
	disengage := c.inflightMutations <= 0 && c.unloadHookEngaged
	if disengage {
		c.unloadHookEngaged = false
	}
	c.mu.Unlock()
	if disengage {
		c.opts.PageUnloadHook.Intercept(false)
	}
}

// Action submits a side-effecting RPC whose result is independent of
// the query view. Unlike Mutation, it is never replayed after
// reconnect — see requests.ErrActionDroppedOnReconnect.
func (c *Client) Action(ctx context.Context, name string, args any) (json.RawMessage, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("syncclient: marshal action args: %w", err)
	}

	id, done := c.reqs.Request(requests.KindAction, name, raw)
	frame, _ := c.reqs.Frame(id)
	if c.sendFrame(frame) {
		c.reqs.MarkSent(id)
	}

	select {
	case res := <-done:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Value.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeDone:
		return nil, ErrClosed
	}
}

// LocalQueryResult returns the current effective (post-overlay) value
// for (name, args), if that query is subscribed and has a result yet.
func (c *Client) LocalQueryResult(name string, args any) (json.RawMessage, bool, error) {
	token, _, err := subscriptions.Token(name, args)
	if err != nil {
		return nil, false, err
	}
	v, ok := c.overlay.Value(token)
	return v, ok, nil
}

// QueryJournal returns the remembered continuation token for (name, args).
func (c *Client) QueryJournal(name string, args any) (string, bool, error) {
	token, _, err := subscriptions.Token(name, args)
	if err != nil {
		return "", false, err
	}
	j, ok := c.subs.QueryJournal(token)
	return j, ok, nil
}

// SetAuth installs a token fetcher; onChange reports
// authenticated/unauthenticated transitions. A fetched
// authmgr.Credential with Admin set presents tokenType:"Admin"
// (optionally impersonating FakeIdentity) instead of "User" — this is
// the client's setAdminAuth(token, fakeIdentity?) (spec §4.2): one
// entry point, dispatched on what the fetcher returns, rather than a
// second parallel method.
func (c *Client) SetAuth(fetcher authmgr.TokenFetcher, onChange func(authenticated bool)) {
	c.auth.SetAuth(fetcher, onChange)
}

// ClearAuth presents tokenType:"None" and forgets the fetcher.
func (c *Client) ClearAuth() {
	c.auth.Clear()
}

// ConnectionState reports connectivity for UI indicators.
func (c *Client) ConnectionState() ConnectionState {
	c.mu.Lock()
	ever := c.everConnected
	c.mu.Unlock()
	return ConnectionState{
		IsWebSocketConnected: c.transport.SocketState() == transport.StateReady,
		HasInflightRequests:  c.reqs.HasInflightRequests(),
		HasEverConnected:     ever,
	}
}

// Close resolves every in-flight request as failed with ErrClosed and
// blocks until the socket has stopped.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.auth.Close()
		c.reqs.FailAll(ErrClosed)
		c.transport.Stop()
		close(c.closeDone)
	})
	<-c.closeDone
	return nil
}

// --- Transport callbacks (run on the transport's own goroutines;
// serialized relative to each other by the transport, per §5) ---

func (c *Client) onOpen(meta transport.ReconnectMetadata) {
	c.mu.Lock()
	now := time.Now()
	wasLongReconnect := !c.lastOpenAt.IsZero() && now.Sub(c.lastOpenAt) > longDisconnectThreshold
	c.everConnected = true
	c.lastOpenAt = now
	c.mu.Unlock()

	c.qs.Reset()

	c.sendFrame(protocol.NewConnect(c.sessionID, meta.ConnectionCount, meta.LastCloseReason, nil))

	if querySet, authFrame := c.subs.Restart(); querySet != nil || authFrame != nil {
		if querySet != nil {
			c.sendFrame(*querySet)
		}
		if authFrame != nil {
			c.sendFrame(*authFrame)
		}
	}

	for _, frame := range c.reqs.Restart() {
		c.sendFrame(frame)
	}

	if wasLongReconnect && c.opts.ReportDebugInfoToConvex {
		telemetry.Current().Mark(c.sessionID, "long_reconnect", now)
		c.sendFrame(protocol.NewEvent("long_reconnect", map[string]string{"sessionId": c.sessionID}))
	}

	if c.opts.Verbose {
		c.logger.Printf("syncclient: connection %d open (lastCloseReason=%q)", meta.ConnectionCount, meta.LastCloseReason)
	}
}

func (c *Client) onFrame(data []byte) {
	if c.opts.Verbose {
		c.logger.Printf("syncclient: <- %s", data)
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		c.failFatal(fmt.Errorf("%w: %v", ErrFatalProtocol, err))
		return
	}

	switch v := msg.(type) {
	case protocol.Transition:
		c.handleTransition(v)
	case protocol.MutationResponse:
		c.handleResponse(v)
	case protocol.ActionResponse:
		c.handleResponse(v)
	case protocol.AuthError:
		c.auth.OnAuthError()
	case protocol.FatalError:
		c.failFatal(fmt.Errorf("%w: %s", ErrFatalServer, v.Error))
	case protocol.Ping:
		// liveness only; no state change.
	default:
		// Exhaustive by construction: protocol.Inbound is a sealed
		// interface only this package's sibling implements. Reaching
		// here means a new frame kind was added without a handler.
		c.failFatal(fmt.Errorf("%w: unhandled inbound frame %T", ErrFatalProtocol, v))
	}
}

func (c *Client) handleTransition(t protocol.Transition) {
	if err := c.qs.Apply(t); err != nil {
		c.failFatal(fmt.Errorf("%w: %v", ErrFatalProtocol, err))
		return
	}
	c.subs.SaveQueryJournals(t.Modifications)

	completions := c.reqs.RemoveCompleted(c.qs.Timestamp())
	ids := make([]int64, len(completions))
	for i, cp := range completions {
		ids[i] = cp.RequestID()
	}
	c.overlay.RemoveCompleted(ids)
	c.auth.OnTransition()

	// recompute/notify first: a Mutation caller must only wake up
	// (via Deliver, below) once its effect is visible in the view
	// reported to onTransition (§5 read-your-writes).
	c.recomputeAndNotify()
	c.reqs.Deliver(completions)
}

func (c *Client) handleResponse(resp protocol.Inbound) {
	requestID, completion := c.reqs.OnResponse(resp, c.qs.Timestamp())
	if completion != nil {
		// Immediate resolution (action, or a failed/caught-up
		// mutation) means any optimistic update tied to this request
		// is discarded and the view recomputed before the waiting
		// caller is woken.
		c.overlay.RemoveCompleted([]int64{requestID})
		c.recomputeAndNotify()
		c.reqs.Deliver([]requests.Completion{*completion})
	}
}

func (c *Client) failFatal(err error) {
	c.mu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.mu.Unlock()

	c.logger.Printf("syncclient: %v", err)
	c.reqs.FailAll(err)
	go func() { _ = c.Close() }()
}

func (c *Client) recomputeAndNotify() {
	c.overlay.RefreshAuthoritative(c.subs, c.qs)
	changed := c.overlay.Recompute(c.subs)
	if len(changed) > 0 && c.onTransition != nil {
		c.onTransition(changed)
	}
}

func (c *Client) sendFrame(frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Printf("syncclient: marshal outbound frame %T: %v", frame, err)
		return false
	}
	if c.opts.Verbose {
		c.logger.Printf("syncclient: -> %s", data)
	}
	return c.transport.SendMessage(data)
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatalErr != nil {
		return c.fatalErr
	}
	if c.closed {
		return ErrClosed
	}
	return nil
}
