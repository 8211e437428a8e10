// Package requests implements C4, the request manager: in-flight
// mutations and actions, resolved on response and replayed after
// reconnect.
package requests

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/primal-host/syncclient/internal/protocol"
)

// Kind distinguishes a mutation (state-changing, held until its
// effects are visible in the query view) from an action
// (side-effecting, resolved immediately and never replayed).
type Kind int

const (
	KindMutation Kind = iota
	KindAction
)

// Sentinel errors surfaced through a request's completion channel.
var (
	// ErrClosed is returned for every in-flight request when the
	// client is closed.
	ErrClosed = errors.New("requests: client closed")
	// ErrActionDroppedOnReconnect marks an action whose side effect
	// may or may not have happened and will not be retried, per the
	// Open Question decision recorded in DESIGN.md: actions are not
	// idempotent by contract, so they are never replayed.
	ErrActionDroppedOnReconnect = errors.New("requests: action dropped on reconnect")
)

// Result is delivered on a request's completion channel.
type Result struct {
	Value protocol.FunctionResult
	Err   error
}

type record struct {
	id          int64
	kind        Kind
	udfPath     string
	args        json.RawMessage
	submittedAt time.Time
	mightBeSent bool
	done        chan Result
	resolved    bool

	// Mutation bookkeeping: once success=true arrives, the record is
	// held until the remote query set reaches responseTs.
	holding    bool
	responseTs int64
	heldResult protocol.FunctionResult
}

// Manager owns every in-flight request record by id.
type Manager struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*record
}

// New returns an empty request manager.
func New() *Manager {
	return &Manager{records: make(map[int64]*record)}
}

// Request registers a new mutation or action and returns its assigned
// id and a channel that receives exactly one Result. The record
// starts with mightBeSent=false; call MarkSent once the frame has
// actually been handed to an open socket.
func (m *Manager) Request(kind Kind, udfPath string, args json.RawMessage) (int64, <-chan Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	r := &record{
		id:          id,
		kind:        kind,
		udfPath:     udfPath,
		args:        args,
		submittedAt: time.Now(),
		done:        make(chan Result, 1),
	}
	m.records[id] = r
	return id, r.done
}

// MarkSent records that a request's frame was handed to an open
// socket (as opposed to being deferred for replay after reconnect).
func (m *Manager) MarkSent(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		r.mightBeSent = true
	}
}

// Frame builds the outbound wire frame for a registered request.
func (m *Manager) Frame(id int64) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, false
	}
	if r.kind == KindMutation {
		return protocol.NewMutation(r.id, r.udfPath, r.args), true
	}
	return protocol.NewAction(r.id, r.udfPath, r.args), true
}

func (m *Manager) resolve(r *record, res Result) {
	if r.resolved {
		return
	}
	r.resolved = true
	r.done <- res
	close(r.done)
	delete(m.records, r.id)
}

// Completion is a resolved request whose channel send has been
// deferred: markResolved has already removed it from the manager's
// records (so it can never resolve twice), but Deliver has not yet
// been called. The orchestrator takes every Completion a call returns,
// finishes whatever must be observable first (recomputing and firing
// onTransition), and only then calls Deliver — so a Mutation caller
// woken by <-done is guaranteed to see the effect already reflected in
// the query view (§5 read-your-writes).
type Completion struct {
	id   int64
	done chan Result
	res  Result
}

// RequestID is the id of the request this completion resolves.
func (c Completion) RequestID() int64 { return c.id }

// markResolved removes r from the record set and marks it resolved,
// returning false if it was already resolved (double-resolution
// guard). Must be called with m.mu held.
func (m *Manager) markResolved(r *record) bool {
	if r.resolved {
		return false
	}
	r.resolved = true
	delete(m.records, r.id)
	return true
}

// Deliver sends each completion's result on its channel. Call only
// after any side effect that must precede the caller waking up has
// already happened.
func (m *Manager) Deliver(completions []Completion) {
	for _, c := range completions {
		c.done <- c.res
		close(c.done)
	}
}

// OnResponse applies a MutationResponse or ActionResponse. For an
// action it resolves immediately and drops the record. For a
// successful mutation it resolves immediately if the remote query set
// has already reached the response's timestamp (the Transition
// carrying its effect arrived first, or concurrently); otherwise it
// stashes the response timestamp and holds the record —
// RemoveCompleted releases it once a later transition catches up. A
// failed mutation resolves immediately. Returns the request id the
// response was for, and a non-nil Completion if it is now fully
// resolved (vs. merely held) — the caller must recompute/notify before
// calling Deliver on it.
func (m *Manager) OnResponse(resp protocol.Inbound, currentSetTimestamp int64) (requestID int64, completion *Completion) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch v := resp.(type) {
	case protocol.ActionResponse:
		r, ok := m.records[v.RequestID]
		if !ok {
			return v.RequestID, nil
		}
		var res Result
		if v.Success {
			res = Result{Value: protocol.FunctionResult{Value: v.Result, LogLines: v.LogLines}}
		} else {
			res = Result{Err: errors.New("requests: action failed: " + v.ErrorMessage)}
		}
		if !m.markResolved(r) {
			return v.RequestID, nil
		}
		return v.RequestID, &Completion{id: r.id, done: r.done, res: res}

	case protocol.MutationResponse:
		r, ok := m.records[v.RequestID]
		if !ok {
			return v.RequestID, nil
		}
		if !v.Success {
			if !m.markResolved(r) {
				return v.RequestID, nil
			}
			res := Result{Err: errors.New("requests: mutation failed: " + v.ErrorMessage)}
			return v.RequestID, &Completion{id: r.id, done: r.done, res: res}
		}
		ts := int64(0)
		if v.Ts != nil {
			ts = *v.Ts
		}
		result := protocol.FunctionResult{Value: v.Result, LogLines: v.LogLines}
		if ts <= currentSetTimestamp {
			if !m.markResolved(r) {
				return v.RequestID, nil
			}
			return v.RequestID, &Completion{id: r.id, done: r.done, res: Result{Value: result}}
		}
		r.holding = true
		r.responseTs = ts
		r.heldResult = result
		return v.RequestID, nil
	}
	return 0, nil
}

// RemoveCompleted drains every held mutation whose response timestamp
// is <= currentSetTimestamp, marking them resolved and returning a
// Completion for each so the optimistic overlay can discard their
// updates before the caller recomputes/notifies and finally delivers
// the results. Called after every applied transition.
func (m *Manager) RemoveCompleted(currentSetTimestamp int64) []Completion {
	m.mu.Lock()
	defer m.mu.Unlock()

	var completions []Completion
	for _, r := range m.records {
		if r.holding && r.responseTs <= currentSetTimestamp {
			if m.markResolved(r) {
				completions = append(completions, Completion{id: r.id, done: r.done, res: Result{Value: r.heldResult}})
			}
		}
	}
	return completions
}

// Restart returns the frames to resend after a reconnect: every
// mutation not yet resolved, sent or not, except a held mutation
// whose successful response already arrived. Every resent record is
// marked as a resend candidate (mightBeSent=true).
// Actions are never replayed — not idempotent by contract — and are
// instead resolved failed with ErrActionDroppedOnReconnect.
func (m *Manager) Restart() []any {
	m.mu.Lock()
	defer m.mu.Unlock()

	var frames []any
	for _, r := range m.records {
		if r.kind == KindAction {
			if !r.resolved {
				m.resolve(r, Result{Err: ErrActionDroppedOnReconnect})
			}
			continue
		}
		if r.holding {
			// Response already arrived before the disconnect but the
			// remote query set hadn't caught up yet; the new
			// connection will reach that timestamp (or a later one)
			// again via RemoveCompleted, no resend needed.
			continue
		}
		r.mightBeSent = true
		frames = append(frames, protocol.NewMutation(r.id, r.udfPath, r.args))
	}
	return frames
}

// Close resolves every in-flight request as failed with ErrClosed,
// including held mutations whose effects never got confirmed in the
// query view.
func (m *Manager) Close() {
	m.FailAll(ErrClosed)
}

// FailAll resolves every in-flight request as failed with err. Used by
// Close (ErrClosed) and by the orchestrator's fatal-error path (a
// protocol or server-fatal error instead).
func (m *Manager) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		m.resolve(r, Result{Err: err})
	}
}

// HasInflightRequests reports whether any request is outstanding.
func (m *Manager) HasInflightRequests() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records) > 0
}

// HasIncompleteRequests reports whether any request has not yet been
// sent to the server (mightBeSent is false).
func (m *Manager) HasIncompleteRequests() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if !r.mightBeSent {
			return true
		}
	}
	return false
}

// TimeOfOldestInflightRequest returns the submission time of the
// longest-outstanding request, if any.
func (m *Manager) TimeOfOldestInflightRequest() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest time.Time
	found := false
	for _, r := range m.records {
		if !found || r.submittedAt.Before(oldest) {
			oldest = r.submittedAt
			found = true
		}
	}
	return oldest, found
}
