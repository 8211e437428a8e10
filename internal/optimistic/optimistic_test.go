package optimistic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primal-host/syncclient/internal/protocol"
	"github.com/primal-host/syncclient/internal/queryset"
	"github.com/primal-host/syncclient/internal/subscriptions"
)

func setup(t *testing.T) (*subscriptions.State, *queryset.Set, *Overlay, subscriptions.Subscription) {
	t.Helper()
	subs := subscriptions.New()
	sub, _, err := subs.Subscribe("counters:get", map[string]any{"id": "x"}, nil)
	require.NoError(t, err)
	qs := queryset.New()
	overlay := New()
	return subs, qs, overlay, sub
}

func TestRecomputeReflectsAuthoritativeValueWithNoUpdates(t *testing.T) {
	subs, qs, overlay, sub := setup(t)
	require.NoError(t, qs.Apply(protocol.Transition{
		StartVersion: protocol.Version{Ts: 0},
		EndVersion:   protocol.Version{Ts: 1},
		Modifications: []protocol.TransitionModification{
			{Type: protocol.QueryUpdated, QueryID: sub.QueryID, Value: json.RawMessage(`1`)},
		},
	}))

	overlay.RefreshAuthoritative(subs, qs)
	changed := overlay.Recompute(subs)
	assert.Contains(t, changed, sub.QueryToken)

	v, ok := overlay.Value(sub.QueryToken)
	require.True(t, ok)
	assert.JSONEq(t, `1`, string(v))
}

func TestOptimisticUpdateOverlaysAuthoritativeValue(t *testing.T) {
	subs, qs, overlay, sub := setup(t)
	require.NoError(t, qs.Apply(protocol.Transition{
		StartVersion:  protocol.Version{Ts: 0},
		EndVersion:    protocol.Version{Ts: 1},
		Modifications: []protocol.TransitionModification{{Type: protocol.QueryUpdated, QueryID: sub.QueryID, Value: json.RawMessage(`1`)}},
	}))
	overlay.RefreshAuthoritative(subs, qs)
	overlay.Recompute(subs)

	overlay.AddUpdate(1, func(store *Store) error {
		return store.SetQuery("counters:get", map[string]any{"id": "x"}, 2)
	})
	changed := overlay.Recompute(subs)
	assert.Contains(t, changed, sub.QueryToken)

	v, ok := overlay.Value(sub.QueryToken)
	require.True(t, ok)
	assert.JSONEq(t, `2`, string(v))
}

func TestRemoveCompletedDiscardsUpdateAndRevertsToAuthoritative(t *testing.T) {
	subs, qs, overlay, sub := setup(t)
	require.NoError(t, qs.Apply(protocol.Transition{
		StartVersion:  protocol.Version{Ts: 0},
		EndVersion:    protocol.Version{Ts: 1},
		Modifications: []protocol.TransitionModification{{Type: protocol.QueryUpdated, QueryID: sub.QueryID, Value: json.RawMessage(`1`)}},
	}))
	overlay.RefreshAuthoritative(subs, qs)
	overlay.AddUpdate(1, func(store *Store) error {
		return store.SetQuery("counters:get", map[string]any{"id": "x"}, 99)
	})
	overlay.Recompute(subs)

	v, _ := overlay.Value(sub.QueryToken)
	assert.JSONEq(t, `99`, string(v))

	overlay.RemoveCompleted([]int64{1})
	overlay.Recompute(subs)

	v, _ = overlay.Value(sub.QueryToken)
	assert.JSONEq(t, `1`, string(v))
}

func TestSetQueryOnUnsubscribedTokenIsNoOp(t *testing.T) {
	subs := subscriptions.New()
	overlay := New()
	store := &Store{subs: subs}
	store.working = make(map[string]json.RawMessage)

	err := store.SetQuery("never:subscribed", map[string]any{}, "value")
	require.NoError(t, err)

	_, ok, _ := store.Query("never:subscribed", map[string]any{})
	assert.False(t, ok)
	_ = overlay
}

func TestRecomputeDetectsRemovedToken(t *testing.T) {
	subs, qs, overlay, sub := setup(t)
	require.NoError(t, qs.Apply(protocol.Transition{
		StartVersion:  protocol.Version{Ts: 0},
		EndVersion:    protocol.Version{Ts: 1},
		Modifications: []protocol.TransitionModification{{Type: protocol.QueryUpdated, QueryID: sub.QueryID, Value: json.RawMessage(`1`)}},
	}))
	overlay.RefreshAuthoritative(subs, qs)
	overlay.Recompute(subs)

	require.NoError(t, qs.Apply(protocol.Transition{
		StartVersion:  protocol.Version{Ts: 1},
		EndVersion:    protocol.Version{Ts: 2},
		Modifications: []protocol.TransitionModification{{Type: protocol.QueryRemoved, QueryID: sub.QueryID}},
	}))
	overlay.RefreshAuthoritative(subs, qs)
	changed := overlay.Recompute(subs)

	assert.Contains(t, changed, sub.QueryToken)
	_, ok := overlay.Value(sub.QueryToken)
	assert.False(t, ok)
}

func TestForgetPreventsSpuriousRemovalNotification(t *testing.T) {
	subs, qs, overlay, sub := setup(t)
	require.NoError(t, qs.Apply(protocol.Transition{
		StartVersion:  protocol.Version{Ts: 0},
		EndVersion:    protocol.Version{Ts: 1},
		Modifications: []protocol.TransitionModification{{Type: protocol.QueryUpdated, QueryID: sub.QueryID, Value: json.RawMessage(`1`)}},
	}))
	overlay.RefreshAuthoritative(subs, qs)
	overlay.Recompute(subs)

	// Caller unsubscribes locally; the orchestrator forgets the token
	// immediately, before any further transition arrives.
	overlay.Forget(sub.QueryToken)

	require.NoError(t, qs.Apply(protocol.Transition{
		StartVersion:  protocol.Version{Ts: 1},
		EndVersion:    protocol.Version{Ts: 2},
		Modifications: []protocol.TransitionModification{{Type: protocol.QueryRemoved, QueryID: sub.QueryID}},
	}))
	overlay.RefreshAuthoritative(subs, qs)
	changed := overlay.Recompute(subs)

	assert.NotContains(t, changed, sub.QueryToken, "a token forgotten on unsubscribe must not reappear as a spurious removal")
}
