package subscriptions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primal-host/syncclient/internal/protocol"
)

func TestTokenIsStableRegardlessOfArgConstruction(t *testing.T) {
	t1, _, err := Token("messages:list", map[string]any{"channel": "a", "limit": 10})
	require.NoError(t, err)
	t2, _, err := Token("messages:list", map[string]any{"limit": 10, "channel": "a"})
	require.NoError(t, err)
	assert.Equal(t, t1, t2, "map key order must not affect the canonical token")
}

func TestSubscribeFirstCallerEmitsAddModification(t *testing.T) {
	s := New()
	sub, _, err := s.Subscribe("messages:list", map[string]any{"channel": "a"}, nil)
	require.NoError(t, err)
	require.NotNil(t, sub.Modification)
	assert.Len(t, sub.Modification.Modifications, 1)
	assert.Equal(t, protocol.QuerySetAdd, sub.Modification.Modifications[0].Type)
}

func TestSecondSubscriberOfSameQueryEmitsNoModification(t *testing.T) {
	s := New()
	_, _, err := s.Subscribe("messages:list", map[string]any{"channel": "a"}, nil)
	require.NoError(t, err)

	sub2, _, err := s.Subscribe("messages:list", map[string]any{"channel": "a"}, nil)
	require.NoError(t, err)
	assert.Nil(t, sub2.Modification)
}

func TestUnsubscribeOnlyRemovesAfterLastRefIsDropped(t *testing.T) {
	s := New()
	_, unsub1, err := s.Subscribe("messages:list", map[string]any{"channel": "a"}, nil)
	require.NoError(t, err)
	_, unsub2, err := s.Subscribe("messages:list", map[string]any{"channel": "a"}, nil)
	require.NoError(t, err)

	assert.Nil(t, unsub1())
	token, _, _ := Token("messages:list", map[string]any{"channel": "a"})
	assert.True(t, s.TokenSubscribed(token), "query must remain live while a second subscriber holds it")

	mod := unsub2()
	require.NotNil(t, mod)
	assert.Equal(t, protocol.QuerySetRemove, mod.Modifications[0].Type)
	assert.False(t, s.TokenSubscribed(token))
}

func TestRestartRebuildsQuerySetAndReplaysAuth(t *testing.T) {
	s := New()
	_, _, err := s.Subscribe("messages:list", map[string]any{"channel": "a"}, nil)
	require.NoError(t, err)
	s.SetAuth("user-token")

	querySet, authFrame := s.Restart()
	require.NotNil(t, querySet)
	assert.Len(t, querySet.Modifications, 1)
	require.NotNil(t, authFrame)
	assert.Equal(t, protocol.TokenTypeUser, authFrame.TokenType)
	assert.Equal(t, "user-token", authFrame.Value)
}

func TestRestartWithNoAuthOmitsAuthFrame(t *testing.T) {
	s := New()
	_, _, err := s.Subscribe("messages:list", map[string]any{"channel": "a"}, nil)
	require.NoError(t, err)

	_, authFrame := s.Restart()
	assert.Nil(t, authFrame)
}

func TestSaveQueryJournalsUpdatesEntry(t *testing.T) {
	s := New()
	sub, _, err := s.Subscribe("messages:list", map[string]any{"channel": "a"}, nil)
	require.NoError(t, err)

	journal := "cursor-123"
	s.SaveQueryJournals([]protocol.TransitionModification{
		{Type: protocol.QueryUpdated, QueryID: sub.QueryID, Journal: &journal},
	})

	got, ok := s.QueryJournal(sub.QueryToken)
	require.True(t, ok)
	assert.Equal(t, journal, got)
}

func TestClearAuthRemovesAuthFromRestart(t *testing.T) {
	s := New()
	s.SetAuth("user-token")
	s.ClearAuth()

	_, authFrame := s.Restart()
	assert.Nil(t, authFrame)
}
