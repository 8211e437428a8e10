// Package transport implements C1: one logical WebSocket connection,
// reconnected with exponential backoff and jitter, pausable for auth
// handovers, delivering ordered inbound frames.
package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// State is one of the six socket states in §4.1's reconnect algorithm.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StatePaused
	StateStopping
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// ReconnectMetadata is handed to the open-hook on every successful
// (re)open.
type ReconnectMetadata struct {
	ConnectionCount int
	LastCloseReason string
}

// Socket is the minimal duplex-frame capability the transport needs.
// *websocket.Conn satisfies this directly.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// SocketFactory is the transport's one true extension point: tests
// drive a fake factory instead of a real socket.
type SocketFactory interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebSocketFactory dials a real WebSocket via gorilla/websocket.
type WebSocketFactory struct{}

// Dial implements SocketFactory.
func (WebSocketFactory) Dial(ctx context.Context, url string) (Socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return conn, nil
}

const (
	// stableDuration distinguishes a healthy connection that just
	// dropped (reset backoff) from one that is flapping (keep backing off).
	stableDuration = 10 * time.Second
	connectTimeout = 10 * time.Second
)

// Transport owns the one logical connection.
type Transport struct {
	url     string
	factory SocketFactory
	onOpen  func(ReconnectMetadata)
	onFrame func([]byte)
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu             sync.Mutex
	state          State
	socket         Socket
	connCount      int
	lastClose      string
	connectedAt    time.Time
	outbox         [][]byte
	policy         *backoff.ExponentialBackOff
	reconnectTimer *time.Timer
	generation     int
}

// New constructs a Transport. Call Start to begin connecting — kept
// separate from construction so the orchestrator can finish wiring
// capabilities that reference this Transport (auth manager
// pause/resume, request replay) before the first frame can possibly
// arrive.
func New(url string, factory SocketFactory, onOpen func(ReconnectMetadata), onFrame func([]byte), logger *log.Logger) *Transport {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	t := &Transport{
		url:     url,
		factory: factory,
		onOpen:  onOpen,
		onFrame: onFrame,
		logger:  logger,
		ctx:     gctx,
		cancel:  cancel,
		group:   group,
		state:   StateDisconnected,
		policy:  newBackoffPolicy(),
	}
	return t
}

// Start begins the first connection attempt. Must be called exactly once.
func (t *Transport) Start() {
	t.scheduleConnect(true)
}

func newBackoffPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0 // never stop retrying
	b.Reset()
	return b
}

// SocketState returns the current state.
func (t *Transport) SocketState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SendMessage hands frame to the open socket. Returns true iff the
// socket was ready or paused (a live connection that will flush on
// resume); false if there is currently no connection at all, in which
// case callers treat the send as not-sent for replay purposes.
func (t *Transport) SendMessage(frame []byte) bool {
	t.mu.Lock()
	switch t.state {
	case StateReady:
		sock := t.socket
		t.mu.Unlock()
		if sock == nil {
			return false
		}
		if err := sock.WriteMessage(websocket.TextMessage, frame); err != nil {
			return false
		}
		return true
	case StatePaused:
		t.outbox = append(t.outbox, frame)
		t.mu.Unlock()
		return true
	default:
		t.mu.Unlock()
		return false
	}
}

// Pause suspends sends; outbound frames are buffered locally until Resume.
func (t *Transport) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateReady {
		t.state = StatePaused
	}
}

// Resume flushes buffered frames over the still-open socket and
// returns to the ready state.
func (t *Transport) Resume() {
	t.mu.Lock()
	if t.state != StatePaused {
		t.mu.Unlock()
		return
	}
	t.state = StateReady
	sock := t.socket
	pending := t.outbox
	t.outbox = nil
	t.mu.Unlock()

	if sock == nil {
		return
	}
	for _, f := range pending {
		if err := sock.WriteMessage(websocket.TextMessage, f); err != nil {
			t.logger.Printf("transport: flush on resume failed: %v", err)
			return
		}
	}
}

// Stop closes the connection and prevents further reconnects.
func (t *Transport) Stop() {
	t.mu.Lock()
	t.state = StateStopping
	t.generation++
	sock := t.socket
	t.socket = nil
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
	}
	t.mu.Unlock()

	t.cancel()
	if sock != nil {
		_ = sock.Close()
	}
	_ = t.group.Wait()

	t.mu.Lock()
	t.state = StateTerminal
	t.mu.Unlock()
}

func (t *Transport) scheduleConnect(immediate bool) {
	t.mu.Lock()
	if t.state == StateTerminal || t.state == StateStopping {
		t.mu.Unlock()
		return
	}
	gen := t.generation
	var delay time.Duration
	if !immediate {
		delay = t.policy.NextBackOff()
	}
	t.mu.Unlock()

	// The state stays disconnected during the backoff delay and only
	// moves to connecting once the attempt itself begins (§4.1).
	t.reconnectTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.generation == gen {
			t.state = StateConnecting
		}
		t.mu.Unlock()
		t.attemptConnect(gen)
	})
}

func (t *Transport) attemptConnect(gen int) {
	t.mu.Lock()
	if t.generation != gen {
		t.mu.Unlock()
		return
	}
	ctx := t.ctx
	url := t.url
	factory := t.factory
	t.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	sock, err := factory.Dial(dialCtx, url)
	cancel()

	t.mu.Lock()
	if t.generation != gen {
		t.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	if err != nil {
		t.lastClose = err.Error()
		t.state = StateDisconnected
		t.mu.Unlock()
		t.logger.Printf("transport: connect failed: %v", err)
		t.scheduleConnect(false)
		return
	}

	t.socket = sock
	t.state = StateReady
	t.connCount++
	t.connectedAt = time.Now()
	meta := ReconnectMetadata{ConnectionCount: t.connCount, LastCloseReason: t.lastClose}
	pending := t.outbox
	t.outbox = nil
	t.mu.Unlock()

	// The open-hook runs before any buffered frame is flushed (§4.1).
	t.onOpen(meta)
	for _, f := range pending {
		if werr := sock.WriteMessage(websocket.TextMessage, f); werr != nil {
			t.logger.Printf("transport: flush after open failed: %v", werr)
			break
		}
	}

	t.group.Go(func() error {
		t.readPump(gen, sock)
		return nil
	})
}

func (t *Transport) readPump(gen int, sock Socket) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			t.onSocketClosed(gen, err)
			return
		}

		t.mu.Lock()
		stale := t.generation != gen
		t.mu.Unlock()
		if stale {
			return
		}
		t.onFrame(data)
	}
}

func (t *Transport) onSocketClosed(gen int, cause error) {
	t.mu.Lock()
	if t.generation != gen {
		t.mu.Unlock()
		return
	}
	if time.Since(t.connectedAt) > stableDuration {
		t.policy.Reset()
	}
	t.lastClose = cause.Error()
	t.socket = nil
	terminal := t.state == StateStopping || t.state == StateTerminal
	if terminal {
		t.state = StateTerminal
		t.mu.Unlock()
		return
	}
	t.state = StateDisconnected
	t.mu.Unlock()

	t.logger.Printf("transport: connection closed: %v", cause)
	t.scheduleConnect(false)
}
