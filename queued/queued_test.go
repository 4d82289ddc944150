package queued_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/queued"
	"github.com/genorch/orchestrator/store"
	"github.com/genorch/orchestrator/store/memstore"
)

func enqueue(t *testing.T, st *memstore.Store, conversationID, content string, at time.Time) model.QueuedMessage {
	t.Helper()
	qm := model.QueuedMessage{
		ID:             content + "-id",
		ConversationID: conversationID,
		Content:        content,
		Status:         model.QueuedMessageQueued,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	require.NoError(t, st.EnqueueQueuedMessage(context.Background(), qm))
	return qm
}

func TestProcessNoOpsWhenAlreadyActive(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	enqueue(t, st, "conv-1", "first", time.Now().Add(-time.Minute))
	require.NoError(t, st.InsertGeneration(ctx, model.Generation{ID: "gen-1", ConversationID: "conv-1", Status: model.StatusRunning, StartedAt: time.Now()}))

	calls := 0
	p := queued.New(st, func(ctx context.Context, qm model.QueuedMessage) (string, error) {
		calls++
		return "new-gen", nil
	})
	require.NoError(t, p.Process(ctx, "conv-1"))
	require.Equal(t, 0, calls, "start must not be invoked while a generation is already active")

	msgs, err := st.ListQueuedMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, model.QueuedMessageQueued, msgs[0].Status)
}

func TestProcessDrainsOldestFirstAndStopsOnSuccess(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	older := enqueue(t, st, "conv-1", "older", time.Now().Add(-time.Minute))
	enqueue(t, st, "conv-1", "newer", time.Now())

	var started []string
	p := queued.New(st, func(ctx context.Context, qm model.QueuedMessage) (string, error) {
		started = append(started, qm.ID)
		return "gen-1", nil
	})
	require.NoError(t, p.Process(ctx, "conv-1"))
	require.Equal(t, []string{older.ID}, started)

	msgs, err := st.ListQueuedMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, model.QueuedMessageSent, msgs[0].Status)
	require.Equal(t, "gen-1", msgs[0].GenerationID)
	require.Equal(t, model.QueuedMessageQueued, msgs[1].Status)
}

func TestProcessRevertsOnRaceLoss(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	qm := enqueue(t, st, "conv-1", "only", time.Now())

	p := queued.New(st, func(ctx context.Context, qm model.QueuedMessage) (string, error) {
		return "", store.ErrActiveGenerationExists
	})
	require.NoError(t, p.Process(ctx, "conv-1"))

	got, err := st.ListQueuedMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, model.QueuedMessageQueued, got[0].Status)
	require.Equal(t, qm.ID, got[0].ID)
}

func TestProcessSkipsFailedRowAndTriesNext(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	failing := enqueue(t, st, "conv-1", "failing", time.Now().Add(-time.Minute))
	enqueue(t, st, "conv-1", "ok", time.Now())

	p := queued.New(st, func(ctx context.Context, qm model.QueuedMessage) (string, error) {
		if qm.ID == failing.ID {
			return "", errors.New("boom")
		}
		return "gen-ok", nil
	})
	require.NoError(t, p.Process(ctx, "conv-1"))

	msgs, err := st.ListQueuedMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, model.QueuedMessageFailed, msgs[0].Status)
	require.Equal(t, "boom", msgs[0].ErrorMessage)
	require.Equal(t, model.QueuedMessageSent, msgs[1].Status)
}
