package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTransition(t *testing.T) {
	raw := `{"type":"Transition","startVersion":{"ts":1},"endVersion":{"ts":2},"modifications":[{"type":"QueryUpdated","queryId":7,"value":42}]}`
	msg, err := Decode([]byte(raw))
	require.NoError(t, err)

	tr, ok := msg.(Transition)
	require.True(t, ok)
	assert.Equal(t, int64(1), tr.StartVersion.Ts)
	assert.Equal(t, int64(2), tr.EndVersion.Ts)
	require.Len(t, tr.Modifications, 1)
	assert.Equal(t, QueryUpdated, tr.Modifications[0].Type)
	assert.Equal(t, int64(7), tr.Modifications[0].QueryID)
}

func TestDecodeUnknownTypeIsMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"type":"SomethingNew"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestDecodeInvalidJSONIsMalformed(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestDecodePing(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"Ping"}`))
	require.NoError(t, err)
	_, ok := msg.(Ping)
	assert.True(t, ok)
}

func TestFunctionResultIsError(t *testing.T) {
	ok := FunctionResult{Value: json.RawMessage(`1`)}
	assert.False(t, ok.IsError())

	bad := FunctionResult{ErrorMessage: "boom"}
	assert.True(t, bad.IsError())
}

func TestNewEventWrapsArbitraryPayload(t *testing.T) {
	ev := NewEvent("long_reconnect", map[string]string{"sessionId": "abc"})
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Event","eventType":"long_reconnect","event":{"sessionId":"abc"}}`, string(data))
}

func TestNewClearAuthenticateOmitsValue(t *testing.T) {
	frame := NewClearAuthenticate()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Authenticate","tokenType":"None"}`, string(data))
}
