// Package protocol defines the JSON wire frames exchanged with the
// sync backend: the outbound frames the client sends and the inbound
// frames it receives on the same WebSocket connection.
package protocol

import "encoding/json"

// Version is a logical timestamp with a total order, as used in
// ModifyQuerySet (baseVersion/newVersion) and Transition
// (startVersion/endVersion).
type Version struct {
	Ts int64 `json:"ts"`
}

// FunctionResult is the opaque result of a query, mutation, or action.
// Exactly one of Value or ErrorMessage is populated.
type FunctionResult struct {
	Value        json.RawMessage `json:"value,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	LogLines     []string        `json:"logLines,omitempty"`
}

// IsError reports whether the function invocation failed.
func (r FunctionResult) IsError() bool {
	return r.ErrorMessage != ""
}

// TokenType enumerates the Authenticate frame's auth kinds.
type TokenType string

const (
	TokenTypeUser  TokenType = "User"
	TokenTypeAdmin TokenType = "Admin"
	TokenTypeNone  TokenType = "None"
)

// --- Outbound frames ---

// Connect is sent once per physical connection, immediately on open.
type Connect struct {
	Type                string `json:"type"`
	SessionID           string `json:"sessionId"`
	ConnectionCount     int    `json:"connectionCount"`
	LastCloseReason     string `json:"lastCloseReason"`
	MaxObservedTimestamp *int64 `json:"maxObservedTimestamp,omitempty"`
}

// NewConnect builds a Connect frame.
func NewConnect(sessionID string, connectionCount int, lastCloseReason string, maxObserved *int64) Connect {
	return Connect{
		Type:                 "Connect",
		SessionID:            sessionID,
		ConnectionCount:      connectionCount,
		LastCloseReason:      lastCloseReason,
		MaxObservedTimestamp: maxObserved,
	}
}

// QuerySetModificationKind is the Add/Remove discriminator inside a
// ModifyQuerySet frame.
type QuerySetModificationKind string

const (
	QuerySetAdd    QuerySetModificationKind = "Add"
	QuerySetRemove QuerySetModificationKind = "Remove"
)

// QuerySetModification describes one change to the subscribed query set.
type QuerySetModification struct {
	Type    QuerySetModificationKind `json:"type"`
	QueryID int64                    `json:"queryId"`
	UdfPath string                   `json:"udfPath,omitempty"`
	Args    json.RawMessage          `json:"args,omitempty"`
	Journal *string                  `json:"journal,omitempty"`
}

// ModifyQuerySet adds or removes queries from the subscription set.
type ModifyQuerySet struct {
	Type          string                  `json:"type"`
	BaseVersion   Version                 `json:"baseVersion"`
	NewVersion    Version                 `json:"newVersion"`
	Modifications []QuerySetModification  `json:"modifications"`
}

// NewModifyQuerySet builds a ModifyQuerySet frame.
func NewModifyQuerySet(base, next Version, mods []QuerySetModification) ModifyQuerySet {
	return ModifyQuerySet{
		Type:          "ModifyQuerySet",
		BaseVersion:   base,
		NewVersion:    next,
		Modifications: mods,
	}
}

// Mutation requests a state-changing RPC.
type Mutation struct {
	Type      string          `json:"type"`
	RequestID int64           `json:"requestId"`
	UdfPath   string          `json:"udfPath"`
	Args      json.RawMessage `json:"args"`
}

// NewMutation builds a Mutation frame.
func NewMutation(requestID int64, udfPath string, args json.RawMessage) Mutation {
	return Mutation{Type: "Mutation", RequestID: requestID, UdfPath: udfPath, Args: args}
}

// Action requests a side-effecting RPC independent of the query view.
type Action struct {
	Type      string          `json:"type"`
	RequestID int64           `json:"requestId"`
	UdfPath   string          `json:"udfPath"`
	Args      json.RawMessage `json:"args"`
}

// NewAction builds an Action frame.
func NewAction(requestID int64, udfPath string, args json.RawMessage) Action {
	return Action{Type: "Action", RequestID: requestID, UdfPath: udfPath, Args: args}
}

// Authenticate presents (or clears, with TokenTypeNone) a credential.
type Authenticate struct {
	Type          string    `json:"type"`
	TokenType     TokenType `json:"tokenType"`
	Value         string    `json:"value,omitempty"`
	Impersonating *string   `json:"impersonating,omitempty"`
}

// NewAuthenticate builds an Authenticate frame for a user or admin token.
func NewAuthenticate(tokenType TokenType, value string, impersonating *string) Authenticate {
	return Authenticate{Type: "Authenticate", TokenType: tokenType, Value: value, Impersonating: impersonating}
}

// NewClearAuthenticate builds the tokenType:"None" frame that clears auth.
func NewClearAuthenticate() Authenticate {
	return Authenticate{Type: "Authenticate", TokenType: TokenTypeNone}
}

// Event is best-effort client telemetry. Payload is an arbitrary
// JSON-serializable event body (e.g. {"sessionId": "...", "label": "..."}).
type Event struct {
	Type      string `json:"type"`
	EventType string `json:"eventType"`
	Event     any    `json:"event"`
}

// NewEvent builds an Event telemetry frame.
func NewEvent(eventType string, payload any) Event {
	return Event{Type: "Event", EventType: eventType, Event: payload}
}
