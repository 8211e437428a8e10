// Package telemetry holds the one process-global the core keeps: a
// ring of client-side performance marks, keyed by session id, that is
// best-effort reported to the backend when enabled. Per design, it is
// an explicitly-constructed singleton with an init/drain lifecycle —
// nothing here relies on an implicit package init().
package telemetry

import (
	"sync"
	"time"
)

// Mark is a single timestamped perf event.
type Mark struct {
	SessionID string
	Label     string
	At        time.Time
}

// Collector accumulates marks until drained. Safe for concurrent use.
type Collector struct {
	mu    sync.Mutex
	marks []Mark
}

// NewCollector returns an empty, ready-to-use Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Mark records one perf event.
func (c *Collector) Mark(sessionID, label string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks = append(c.marks, Mark{SessionID: sessionID, Label: label, At: at})
}

// Drain returns and clears all accumulated marks.
func (c *Collector) Drain() []Mark {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.marks
	c.marks = nil
	return out
}

var (
	globalMu   sync.Mutex
	globalInst *Collector
)

// Init installs a fresh process-wide Collector and returns it. Hosts
// that want client-side perf marks call this once at startup; it is
// safe to call more than once (e.g. in tests), each call replaces the
// previous instance.
func Init() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalInst = NewCollector()
	return globalInst
}

// Current returns the process-wide Collector, lazily constructing one
// if Init was never called.
func Current() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalInst == nil {
		globalInst = NewCollector()
	}
	return globalInst
}
