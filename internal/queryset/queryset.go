// Package queryset implements C3, the remote query set: the
// authoritative map from query id to latest result, advanced by
// applying server Transition frames in order.
package queryset

import (
	"errors"
	"fmt"
	"sync"

	"github.com/primal-host/syncclient/internal/protocol"
)

// ErrOutOfOrder marks a protocol violation: a Transition whose
// startVersion did not match the held timestamp. Per §4.3 this is
// fatal — the connection must be torn down.
var ErrOutOfOrder = errors.New("queryset: transition out of order")

// Entry is one query's latest known result and the timestamp it was
// last updated at.
type Entry struct {
	Result protocol.FunctionResult
	Ts     int64
}

// Set owns queryId -> Entry plus the current set timestamp.
type Set struct {
	mu      sync.Mutex
	ts      int64
	entries map[int64]Entry
}

// New returns an empty query set at timestamp 0.
func New() *Set {
	return &Set{entries: make(map[int64]Entry)}
}

// Timestamp returns the current set timestamp.
func (s *Set) Timestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ts
}

// Result returns the latest known result for a query id.
func (s *Set) Result(queryID int64) (protocol.FunctionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[queryID]
	return e.Result, ok
}

// Reset reinitializes the set to a fresh timestamp, used when a brand
// new logical connection starts (the server restates everything via
// ModifyQuerySet + a fresh Transition stream).
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ts = 0
	s.entries = make(map[int64]Entry)
}

// Apply applies one Transition. It requires the held timestamp to
// equal the transition's startVersion.ts; any mismatch is a protocol
// violation and returns ErrOutOfOrder, which callers must treat as
// fatal for the whole connection.
func (s *Set) Apply(t protocol.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.StartVersion.Ts != s.ts {
		return fmt.Errorf("%w: have ts=%d, transition startVersion.ts=%d", ErrOutOfOrder, s.ts, t.StartVersion.Ts)
	}

	for _, m := range t.Modifications {
		switch m.Type {
		case protocol.QueryUpdated:
			s.entries[m.QueryID] = Entry{
				Result: protocol.FunctionResult{Value: m.Value, LogLines: m.LogLines},
				Ts:     t.EndVersion.Ts,
			}
		case protocol.QueryFailed:
			s.entries[m.QueryID] = Entry{
				Result: protocol.FunctionResult{ErrorMessage: m.ErrorMessage, LogLines: m.LogLines},
				Ts:     t.EndVersion.Ts,
			}
		case protocol.QueryRemoved:
			delete(s.entries, m.QueryID)
		}
	}

	s.ts = t.EndVersion.Ts
	return nil
}
