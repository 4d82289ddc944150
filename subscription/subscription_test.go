package subscription_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/store"
	"github.com/genorch/orchestrator/store/memstore"
	"github.com/genorch/orchestrator/subscription"
)

func collect(t *testing.T, ch <-chan subscription.GenerationEvent) []subscription.GenerationEvent {
	t.Helper()
	var got []subscription.GenerationEvent
	for ev := range ch {
		got = append(got, ev)
		if ev.Type == subscription.EventDone || ev.Type == subscription.EventError {
			return got
		}
	}
	return got
}

func TestSubscribeStreamsPartsThenDone(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	require.NoError(t, st.InsertConversation(ctx, model.Conversation{ID: "conv-1", OwnerUserID: "user-1"}))
	require.NoError(t, st.InsertGeneration(ctx, model.Generation{
		ID:             "gen-1",
		ConversationID: "conv-1",
		Status:         model.StatusRunning,
		ContentParts:   []model.ContentPart{{Type: model.ContentPartText, Text: "hello"}},
		StartedAt:      time.Now(),
	}))

	sub := subscription.New(st)
	ch, err := sub.Subscribe(ctx, "gen-1", "user-1")
	require.NoError(t, err)

	// Complete the generation shortly after subscribing, the way a runner
	// would while a subscriber is already polling.
	go func() {
		time.Sleep(50 * time.Millisecond)
		completedAt := time.Now()
		status := model.StatusCompleted
		messageID := "msg-1"
		_ = st.UpdateGeneration(context.Background(), "gen-1", store.GenerationPatch{
			Status:      &status,
			CompletedAt: &completedAt,
			MessageID:   &messageID,
		})
	}()

	events := collect(t, ch)
	require.NotEmpty(t, events)

	var sawPart, sawDone bool
	for _, ev := range events {
		if ev.Type == subscription.EventPart {
			sawPart = true
			require.Equal(t, "hello", ev.Part.Text)
		}
		if ev.Type == subscription.EventDone {
			sawDone = true
			require.Equal(t, "msg-1", ev.Done.MessageID)
		}
	}
	require.True(t, sawPart, "expected a part event for the existing content part")
	require.True(t, sawDone, "expected a done event once the generation completed")
}

func TestSubscribeDeniesWrongOwner(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	require.NoError(t, st.InsertConversation(ctx, model.Conversation{ID: "conv-1", OwnerUserID: "user-1"}))
	require.NoError(t, st.InsertGeneration(ctx, model.Generation{ID: "gen-1", ConversationID: "conv-1", Status: model.StatusRunning, StartedAt: time.Now()}))

	sub := subscription.New(st)
	_, err := sub.Subscribe(ctx, "gen-1", "someone-else")
	require.ErrorIs(t, err, subscription.ErrAccessDenied)
}

func TestSubscribeStopsOnContextCancel(t *testing.T) {
	st := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, st.InsertConversation(ctx, model.Conversation{ID: "conv-1", OwnerUserID: "user-1"}))
	require.NoError(t, st.InsertGeneration(ctx, model.Generation{ID: "gen-1", ConversationID: "conv-1", Status: model.StatusRunning, StartedAt: time.Now()}))

	sub := subscription.New(st)
	ch, err := sub.Subscribe(ctx, "gen-1", "user-1")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok, "channel should close once ctx is cancelled")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop after context cancellation")
	}
}
