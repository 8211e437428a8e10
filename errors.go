package syncclient

import "errors"

// Sentinel errors surfaced to callers, per §7's error-kind taxonomy.
var (
	// ErrInvalidURL is a client-misuse error: the address does not
	// parse into a valid http(s) URL.
	ErrInvalidURL = errors.New("syncclient: invalid connection URL")
	// ErrClosed is returned by Subscribe, Mutation and Action once the
	// client is closed, unless a fatal error was recorded first (that
	// error is returned instead), and fails requests still in flight
	// at Close.
	ErrClosed = errors.New("syncclient: client is closed")
	// ErrFatalProtocol wraps a protocol violation: a malformed frame,
	// an unrecognized frame kind, or an out-of-order Transition. The
	// connection is torn down and every subsequent call fails.
	ErrFatalProtocol = errors.New("syncclient: fatal protocol error")
	// ErrFatalServer wraps an explicit FatalError frame from the server.
	ErrFatalServer = errors.New("syncclient: fatal server error")
)
