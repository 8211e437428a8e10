package protocol

import "errors"

// ErrMalformed marks a frame that could not be decoded or that violated
// the wire protocol (e.g. an unrecognized frame kind).
var ErrMalformed = errors.New("protocol: malformed frame")
