package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound is the sealed sum of every frame kind the server may send.
// Only this package may implement it, so a switch over a decoded
// Inbound in the orchestrator covers a closed set. Neither the
// compiler nor go vet reports a new kind added here without a case in
// every switch; the orchestrator's default case treats such a frame as
// a fatal protocol error at run time.
type Inbound interface {
	inbound()
}

// TransitionModificationKind is the per-query change inside a Transition.
type TransitionModificationKind string

const (
	QueryUpdated TransitionModificationKind = "QueryUpdated"
	QueryFailed  TransitionModificationKind = "QueryFailed"
	QueryRemoved TransitionModificationKind = "QueryRemoved"
)

// TransitionModification describes one query's change within a Transition.
type TransitionModification struct {
	Type         TransitionModificationKind `json:"type"`
	QueryID      int64                      `json:"queryId"`
	Value        json.RawMessage            `json:"value,omitempty"`
	ErrorMessage string                     `json:"errorMessage,omitempty"`
	LogLines     []string                   `json:"logLines,omitempty"`
	Journal      *string                    `json:"journal,omitempty"`
}

// Transition is the authoritative server-pushed delta: a set of query
// updates plus the logical timestamp range they were computed under.
type Transition struct {
	StartVersion  Version                   `json:"startVersion"`
	EndVersion    Version                   `json:"endVersion"`
	Modifications []TransitionModification  `json:"modifications"`
}

func (Transition) inbound() {}

// MutationResponse reports the outcome of a Mutation frame.
type MutationResponse struct {
	RequestID    int64    `json:"requestId"`
	Success      bool     `json:"success"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
	Ts           *int64   `json:"ts,omitempty"`
	LogLines     []string `json:"logLines,omitempty"`
}

func (MutationResponse) inbound() {}

// ActionResponse reports the outcome of an Action frame.
type ActionResponse struct {
	RequestID    int64           `json:"requestId"`
	Success      bool            `json:"success"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	LogLines     []string        `json:"logLines,omitempty"`
}

func (ActionResponse) inbound() {}

// AuthError reports that a previously presented credential was rejected.
type AuthError struct {
	BaseVersion          Version `json:"baseVersion"`
	Error                string  `json:"error"`
	AuthUpdateAttempted  bool    `json:"authUpdateAttempted"`
}

func (AuthError) inbound() {}

// FatalError is an unrecoverable server-reported condition: the
// caller must stop the client and surface the error.
type FatalError struct {
	Error string `json:"error"`
}

func (FatalError) inbound() {}

// Ping is a no-op liveness frame.
type Ping struct{}

func (Ping) inbound() {}

// envelope is used only to read the discriminator before picking the
// concrete type to unmarshal into.
type envelope struct {
	Type string `json:"type"`
}

// Decode parses one inbound wire frame into its concrete Inbound type.
// Returns a protocol error (wrapping ErrMalformed) for anything that
// isn't one of the known kinds — the dispatcher treats that as fatal
// per the spec's protocol error class.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case "Transition":
		var t Transition
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("protocol: decode Transition: %w: %v", ErrMalformed, err)
		}
		return t, nil
	case "MutationResponse":
		var m MutationResponse
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("protocol: decode MutationResponse: %w: %v", ErrMalformed, err)
		}
		return m, nil
	case "ActionResponse":
		var a ActionResponse
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("protocol: decode ActionResponse: %w: %v", ErrMalformed, err)
		}
		return a, nil
	case "AuthError":
		var a AuthError
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("protocol: decode AuthError: %w: %v", ErrMalformed, err)
		}
		return a, nil
	case "FatalError":
		var f FatalError
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("protocol: decode FatalError: %w: %v", ErrMalformed, err)
		}
		return f, nil
	case "Ping":
		return Ping{}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown frame type %q: %w", env.Type, ErrMalformed)
	}
}
