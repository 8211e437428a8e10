// Package subscriptions implements C2, the local subscription table:
// which queries are subscribed, their arguments, assigned ids, and
// remembered result journals.
package subscriptions

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/primal-host/syncclient/internal/protocol"
)

// Token canonically identifies a (udfPath, args) pair. Go's
// encoding/json marshals map keys in sorted order, so passing args as
// a map[string]any (or anything whose fields marshal deterministically)
// yields a stable token across calls.
func Token(udfPath string, args any) (string, json.RawMessage, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", nil, fmt.Errorf("subscriptions: marshal args for %s: %w", udfPath, err)
	}
	return udfPath + "|" + string(raw), raw, nil
}

type entry struct {
	token    string
	queryID  int64
	udfPath  string
	args     json.RawMessage
	refCount int
	journal  *string
	result   *protocol.FunctionResult
}

// State owns the token -> subscription table. Zero value is not
// usable; construct with New.
type State struct {
	mu      sync.Mutex
	byToken map[string]*entry
	byID    map[int64]*entry
	nextID  int64
	setVers int64 // local query-set version counter for ModifyQuerySet framing

	// auth record (§4.2): the last Authenticate frame presented, kept
	// here so Restart() can re-present it after a reconnect.
	authSet     bool
	authType    protocol.TokenType
	authValue   string
	authFake    *string
}

// New returns an empty subscription table.
func New() *State {
	return &State{
		byToken: make(map[string]*entry),
		byID:    make(map[int64]*entry),
	}
}

// Subscription is returned by Subscribe: the caller's handle on one
// subscribed query.
type Subscription struct {
	QueryToken string
	QueryID    int64
	// Modification is the outbound frame to send, or nil if the
	// subscription set's membership did not change (a second
	// subscriber joined an already-subscribed query).
	Modification *protocol.ModifyQuerySet
}

// Subscribe interns the (name, args) token, allocating a query id on
// first subscribe, and returns the frame describing the change (if
// any) plus an Unsubscribe func.
func (s *State) Subscribe(name string, args any, journal *string) (Subscription, func() *protocol.ModifyQuerySet, error) {
	token, raw, err := Token(name, args)
	if err != nil {
		return Subscription{}, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byToken[token]
	var mod *protocol.ModifyQuerySet
	if !ok {
		e = &entry{
			token:   token,
			queryID: s.nextID,
			udfPath: name,
			args:    raw,
			journal: journal,
		}
		s.nextID++
		s.byToken[token] = e
		s.byID[e.queryID] = e

		base := protocol.Version{Ts: s.setVers}
		s.setVers++
		frame := protocol.NewModifyQuerySet(base, protocol.Version{Ts: s.setVers}, []protocol.QuerySetModification{
			{Type: protocol.QuerySetAdd, QueryID: e.queryID, UdfPath: e.udfPath, Args: e.args, Journal: e.journal},
		})
		mod = &frame
	}
	e.refCount++

	queryID := e.queryID
	unsubscribe := func() *protocol.ModifyQuerySet {
		return s.unsubscribe(token)
	}

	return Subscription{QueryToken: token, QueryID: queryID, Modification: mod}, unsubscribe, nil
}

func (s *State) unsubscribe(token string) *protocol.ModifyQuerySet {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byToken[token]
	if !ok {
		return nil
	}
	e.refCount--
	if e.refCount > 0 {
		return nil
	}

	delete(s.byToken, token)
	delete(s.byID, e.queryID)

	base := protocol.Version{Ts: s.setVers}
	s.setVers++
	frame := protocol.NewModifyQuerySet(base, protocol.Version{Ts: s.setVers}, []protocol.QuerySetModification{
		{Type: protocol.QuerySetRemove, QueryID: e.queryID},
	})
	return &frame
}

// SaveQueryJournals records server-supplied journals from a transition
// so a future restart() resubscribes with continuation tokens.
func (s *State) SaveQueryJournals(mods []protocol.TransitionModification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range mods {
		if m.Journal == nil {
			continue
		}
		if e, ok := s.byID[m.QueryID]; ok {
			e.journal = m.Journal
		}
	}
}

// Restart emits the frames needed to rebuild the full subscription set
// and re-present current auth after a reconnect: a ModifyQuerySet
// enumerating every still-live subscription with its last known
// journal, and (iff auth is currently set) an Authenticate frame.
func (s *State) Restart() (*protocol.ModifyQuerySet, *protocol.Authenticate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var querySet *protocol.ModifyQuerySet
	if len(s.byID) > 0 {
		mods := make([]protocol.QuerySetModification, 0, len(s.byID))
		for id, e := range s.byID {
			mods = append(mods, protocol.QuerySetModification{
				Type:    protocol.QuerySetAdd,
				QueryID: id,
				UdfPath: e.udfPath,
				Args:    e.args,
				Journal: e.journal,
			})
		}
		base := protocol.Version{Ts: s.setVers}
		s.setVers++
		frame := protocol.NewModifyQuerySet(base, protocol.Version{Ts: s.setVers}, mods)
		querySet = &frame
	}

	var authFrame *protocol.Authenticate
	if s.authSet {
		f := protocol.NewAuthenticate(s.authType, s.authValue, s.authFake)
		authFrame = &f
	}

	return querySet, authFrame
}

// SetAuth records a user-token auth record and returns the frame to send.
func (s *State) SetAuth(token string) protocol.Authenticate {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authSet = true
	s.authType = protocol.TokenTypeUser
	s.authValue = token
	s.authFake = nil
	return protocol.NewAuthenticate(protocol.TokenTypeUser, token, nil)
}

// SetAdminAuth records an admin-token auth record, optionally
// impersonating another identity, and returns the frame to send.
func (s *State) SetAdminAuth(token string, fakeIdentity *string) protocol.Authenticate {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authSet = true
	s.authType = protocol.TokenTypeAdmin
	s.authValue = token
	s.authFake = fakeIdentity
	return protocol.NewAuthenticate(protocol.TokenTypeAdmin, token, fakeIdentity)
}

// ClearAuth clears the auth record and returns the tokenType:"None" frame.
func (s *State) ClearAuth() protocol.Authenticate {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authSet = false
	s.authType = ""
	s.authValue = ""
	s.authFake = nil
	return protocol.NewClearAuthenticate()
}

// QueryPath returns the udf path for a query id.
func (s *State) QueryPath(id int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return "", false
	}
	return e.udfPath, true
}

// QueryArgs returns the serialized args for a query id.
func (s *State) QueryArgs(id int64) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return e.args, true
}

// QueryToken returns the canonical token for a query id.
func (s *State) QueryToken(id int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return "", false
	}
	return e.token, true
}

// QueryJournal returns the remembered journal for a token, if any.
func (s *State) QueryJournal(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byToken[token]
	if !ok || e.journal == nil {
		return "", false
	}
	return *e.journal, true
}

// TokenSubscribed reports whether a query token is currently live.
// The optimistic overlay uses this to restrict writes to tokens that
// are actually subscribed.
func (s *State) TokenSubscribed(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byToken[token]
	return ok
}

// QueryIDForToken returns the query id for a currently subscribed token.
func (s *State) QueryIDForToken(token string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byToken[token]
	if !ok {
		return 0, false
	}
	return e.queryID, true
}

// IsSubscribed reports whether a query id is currently live.
func (s *State) IsSubscribed(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

// ActiveTokens returns every currently subscribed query token.
func (s *State) ActiveTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.byToken))
	for t := range s.byToken {
		out = append(out, t)
	}
	return out
}
