package syncclient

import (
	"log"

	"github.com/primal-host/syncclient/internal/transport"
)

// PageUnloadHook lets a browser-like host intercept page unload while
// mutations are in flight. Hosts that never run in a page (servers,
// CLIs) leave this nil.
type PageUnloadHook interface {
	// Intercept is called with true when at least one mutation is
	// in flight and unload should be warned against, false once none
	// remain.
	Intercept(active bool)
}

// ClientOptions configures a Client. The zero value is usable: no
// unsaved-changes warning, the real WebSocket factory, no verbose
// logging, no telemetry reporting.
type ClientOptions struct {
	// UnsavedChangesWarning enables the PageUnloadHook interception.
	// Forbidden (ignored) when PageUnloadHook is nil, which is the
	// only sensible default outside a browser-like host.
	UnsavedChangesWarning bool
	PageUnloadHook        PageUnloadHook

	// SocketFactory is the injection point for the socket
	// implementation. Defaults to transport.WebSocketFactory{}.
	SocketFactory transport.SocketFactory

	// Verbose enables per-frame debug logging.
	Verbose bool

	// ReportDebugInfoToConvex enables client-side perf marks and a
	// long-disconnect telemetry ping.
	ReportDebugInfoToConvex bool

	// Logger receives lifecycle and (if Verbose) per-frame logs.
	// Defaults to log.Default().
	Logger *log.Logger
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.SocketFactory == nil {
		o.SocketFactory = transport.WebSocketFactory{}
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}
