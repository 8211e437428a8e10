package requests

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primal-host/syncclient/internal/protocol"
)

func TestActionResolvesImmediatelyOnResponse(t *testing.T) {
	m := New()
	id, done := m.Request(KindAction, "files:delete", json.RawMessage(`{}`))

	reqID, completion := m.OnResponse(protocol.ActionResponse{
		RequestID: id,
		Success:   true,
		Result:    json.RawMessage(`"ok"`),
	}, 0)
	assert.Equal(t, id, reqID)
	require.NotNil(t, completion)

	select {
	case <-done:
		t.Fatal("channel send must wait for Deliver, not happen inside OnResponse")
	default:
	}
	m.Deliver([]Completion{*completion})

	res := <-done
	require.NoError(t, res.Err)
	assert.JSONEq(t, `"ok"`, string(res.Value.Value))
}

func TestMutationIsHeldUntilQuerySetCatchesUp(t *testing.T) {
	m := New()
	id, done := m.Request(KindMutation, "messages:send", json.RawMessage(`{}`))

	ts := int64(5)
	reqID, completion := m.OnResponse(protocol.MutationResponse{
		RequestID: id,
		Success:   true,
		Result:    json.RawMessage(`"ok"`),
		Ts:        &ts,
	}, 0)
	assert.Equal(t, id, reqID)
	assert.Nil(t, completion, "a successful mutation is held, not resolved, until the view catches up")

	select {
	case <-done:
		t.Fatal("mutation resolved before query set reached its timestamp")
	default:
	}

	completions := m.RemoveCompleted(4)
	assert.Empty(t, completions, "must not release before ts is reached")

	completions = m.RemoveCompleted(5)
	require.Len(t, completions, 1)
	assert.Equal(t, id, completions[0].RequestID())

	select {
	case <-done:
		t.Fatal("channel send must wait for Deliver, not happen inside RemoveCompleted")
	default:
	}
	m.Deliver(completions)

	res := <-done
	require.NoError(t, res.Err)
}

func TestFailedMutationResolvesImmediately(t *testing.T) {
	m := New()
	id, done := m.Request(KindMutation, "messages:send", json.RawMessage(`{}`))

	_, completion := m.OnResponse(protocol.MutationResponse{
		RequestID:    id,
		Success:      false,
		ErrorMessage: "validation failed",
	}, 0)
	require.NotNil(t, completion)
	m.Deliver([]Completion{*completion})

	res := <-done
	require.Error(t, res.Err)
}

func TestMutationResolvesImmediatelyWhenQuerySetAlreadyCaughtUp(t *testing.T) {
	m := New()
	id, done := m.Request(KindMutation, "messages:send", json.RawMessage(`{}`))

	ts := int64(5)
	_, completion := m.OnResponse(protocol.MutationResponse{
		RequestID: id,
		Success:   true,
		Result:    json.RawMessage(`"ok"`),
		Ts:        &ts,
	}, 5)
	require.NotNil(t, completion, "the transition carrying the mutation's effect may arrive before its response")
	m.Deliver([]Completion{*completion})

	res := <-done
	require.NoError(t, res.Err)
	assert.JSONEq(t, `"ok"`, string(res.Value.Value))
}

func TestRestartReplaysUnsentMutationsAndDropsActions(t *testing.T) {
	m := New()
	mutID, mutDone := m.Request(KindMutation, "messages:send", json.RawMessage(`{}`))
	actID, actDone := m.Request(KindAction, "files:delete", json.RawMessage(`{}`))

	frames := m.Restart()
	require.Len(t, frames, 1)
	mutFrame, ok := frames[0].(protocol.Mutation)
	require.True(t, ok)
	assert.Equal(t, mutID, mutFrame.RequestID)

	res := <-actDone
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrActionDroppedOnReconnect))

	select {
	case <-mutDone:
		t.Fatal("replayed mutation must remain in-flight, not resolved")
	default:
	}
}

func TestRestartDoesNotResendAlreadyHeldMutation(t *testing.T) {
	m := New()
	id, _ := m.Request(KindMutation, "messages:send", json.RawMessage(`{}`))
	ts := int64(1)
	m.OnResponse(protocol.MutationResponse{RequestID: id, Success: true, Ts: &ts}, 0)

	frames := m.Restart()
	assert.Empty(t, frames, "a held mutation's response already arrived; it must not be resent")
}

func TestFailAllResolvesEveryInFlightRequest(t *testing.T) {
	m := New()
	_, done1 := m.Request(KindMutation, "a", json.RawMessage(`{}`))
	_, done2 := m.Request(KindAction, "b", json.RawMessage(`{}`))

	m.FailAll(ErrClosed)

	res1 := <-done1
	res2 := <-done2
	assert.True(t, errors.Is(res1.Err, ErrClosed))
	assert.True(t, errors.Is(res2.Err, ErrClosed))
	assert.False(t, m.HasInflightRequests())
}

func TestHasIncompleteRequestsTracksMarkSent(t *testing.T) {
	m := New()
	id, _ := m.Request(KindMutation, "a", json.RawMessage(`{}`))
	assert.True(t, m.HasIncompleteRequests())

	m.MarkSent(id)
	assert.False(t, m.HasIncompleteRequests())
}
