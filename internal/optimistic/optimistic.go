// Package optimistic implements C5, the optimistic overlay: the
// authoritative queryToken -> value map layered with active
// optimistic updates, recomputed and diffed on every change so the
// orchestrator can emit a minimal changed-token set.
package optimistic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/primal-host/syncclient/internal/queryset"
	"github.com/primal-host/syncclient/internal/subscriptions"
)

// Update is a user-supplied function that layers temporary writes over
// the authoritative view via the mutable Store handle. It must only
// perform set/delete on query tokens; arbitrary computation is fine.
type Update func(store *Store) error

// Store is the mutable handle an Update observes and writes through.
// Writes to tokens that are not currently subscribed are silently
// dropped (§4.5 step 2: "Writes only affect tokens currently
// subscribed").
type Store struct {
	working map[string]json.RawMessage
	subs    *subscriptions.State
}

// Query returns the current effective value for (name, args) — either
// a prior write in this same update chain, or the authoritative value.
func (s *Store) Query(name string, args any) (json.RawMessage, bool, error) {
	token, _, err := subscriptions.Token(name, args)
	if err != nil {
		return nil, false, err
	}
	v, ok := s.working[token]
	return v, ok, nil
}

// SetQuery overlays a value for (name, args). No-op if that query is
// not currently subscribed.
func (s *Store) SetQuery(name string, args any, value any) error {
	token, _, err := subscriptions.Token(name, args)
	if err != nil {
		return err
	}
	if !s.subs.TokenSubscribed(token) {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("optimistic: marshal value for %s: %w", name, err)
	}
	s.working[token] = raw
	return nil
}

// DeleteQuery removes the value for (name, args) from the effective
// view being built: the authoritative value and any earlier write in
// the same chain are hidden too, so the query reads as having no
// result until a later write sets it again.
func (s *Store) DeleteQuery(name string, args any) error {
	token, _, err := subscriptions.Token(name, args)
	if err != nil {
		return err
	}
	delete(s.working, token)
	return nil
}

type pending struct {
	requestID int64
	update    Update
}

// Overlay owns the authoritative map and the ordered optimistic update
// chain, and emits the diff between consecutive recomputations.
type Overlay struct {
	mu            sync.Mutex
	authoritative map[string]json.RawMessage
	updates       []pending
	lastEmitted   map[string]json.RawMessage
}

// New returns an empty overlay.
func New() *Overlay {
	return &Overlay{
		authoritative: make(map[string]json.RawMessage),
		lastEmitted:   make(map[string]json.RawMessage),
	}
}

// AddUpdate registers an optimistic update tagged with the request id
// that spawned it. It stays in effect until RemoveCompleted is called
// with that id.
func (o *Overlay) AddUpdate(requestID int64, update Update) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updates = append(o.updates, pending{requestID: requestID, update: update})
}

// RemoveCompleted discards the optimistic updates for the given
// request ids (the transition's completed-request set, or the
// mutation's reported failure).
func (o *Overlay) RemoveCompleted(ids []int64) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.updates[:0]
	for _, p := range o.updates {
		if !drop[p.requestID] {
			kept = append(kept, p)
		}
	}
	o.updates = kept
}

// RefreshAuthoritative rebuilds the authoritative token -> value map
// from the current subscription set and remote query set.
func (o *Overlay) RefreshAuthoritative(subs *subscriptions.State, qs *queryset.Set) {
	base := make(map[string]json.RawMessage)
	for _, token := range subs.ActiveTokens() {
		id, ok := subs.QueryIDForToken(token)
		if !ok {
			continue
		}
		result, ok := qs.Result(id)
		if !ok || result.IsError() {
			continue
		}
		base[token] = result.Value
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.authoritative = base
}

// Recompute replays the optimistic update chain over the authoritative
// map in submission order, diffs the result against the previously
// emitted view, and returns the set of changed tokens (added, removed,
// or value inequality by structural byte comparison of the canonical
// JSON encoding).
func (o *Overlay) Recompute(subs *subscriptions.State) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	working := make(map[string]json.RawMessage, len(o.authoritative))
	for k, v := range o.authoritative {
		working[k] = v
	}

	store := &Store{working: working, subs: subs}
	for _, p := range o.updates {
		// Errors from a user update are not fatal to the overlay —
		// the update simply has no further effect this round.
		_ = p.update(store)
	}

	// canonical re-encodes a value so that whitespace and object key
	// order do not count as a change; invalid JSON is compared as is.
	canonical := func(raw json.RawMessage) []byte {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return raw
		}
		out, err := json.Marshal(v)
		if err != nil {
			return raw
		}
		return out
	}

	changed := make([]string, 0)
	seen := make(map[string]bool, len(working))
	for token, v := range working {
		seen[token] = true
		prev, existed := o.lastEmitted[token]
		if !existed || !bytes.Equal(canonical(prev), canonical(v)) {
			changed = append(changed, token)
		}
	}
	for token := range o.lastEmitted {
		if !seen[token] {
			changed = append(changed, token)
		}
	}

	o.lastEmitted = working
	return changed
}

// Value returns the current effective (post-overlay) value for a token.
func (o *Overlay) Value(token string) (json.RawMessage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.lastEmitted[token]
	return v, ok
}

// Forget silently drops a token from the last-emitted view when the
// caller has locally unsubscribed it (its reference count reached
// zero). This must not surface as a change: once unsubscribed, the
// caller is no longer watching that token, so a later server-side
// removal of the same query id must not be reported as one (§8 S1).
func (o *Overlay) Forget(token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.authoritative, token)
	delete(o.lastEmitted, token)
}
