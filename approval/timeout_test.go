package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genorch/orchestrator/approval"
	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/queue/memqueue"
	"github.com/genorch/orchestrator/store/memstore"
)

func TestProcessApprovalTimeoutPausesExpiredRequest(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, st.InsertConversation(ctx, model.Conversation{ID: "conv-1", OwnerUserID: "user-1"}))
	require.NoError(t, st.InsertGeneration(ctx, model.Generation{
		ID:             "gen-1",
		ConversationID: "conv-1",
		Status:         model.StatusAwaitingApproval,
		StartedAt:      now.Add(-time.Hour),
		PendingApproval: &model.PendingApproval{
			ToolUseID:   "tool-1",
			RequestedAt: now.Add(-time.Hour),
			ExpiresAt:   now.Add(-time.Minute),
		},
	}))

	m := approval.New(st, q)
	require.NoError(t, m.ProcessApprovalTimeout(ctx, "gen-1", now))

	g, err := st.FindGeneration(ctx, "gen-1", false)
	require.NoError(t, err)
	require.Equal(t, model.StatusPaused, g.Status)
}

func TestProcessApprovalTimeoutIgnoresUnexpiredDeadline(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, st.InsertConversation(ctx, model.Conversation{ID: "conv-1", OwnerUserID: "user-1"}))
	require.NoError(t, st.InsertGeneration(ctx, model.Generation{
		ID:             "gen-1",
		ConversationID: "conv-1",
		Status:         model.StatusAwaitingApproval,
		StartedAt:      now,
		PendingApproval: &model.PendingApproval{
			ToolUseID:   "tool-1",
			RequestedAt: now,
			ExpiresAt:   now.Add(time.Hour), // stale job, deadline hasn't actually passed
		},
	}))

	m := approval.New(st, q)
	require.NoError(t, m.ProcessApprovalTimeout(ctx, "gen-1", now))

	g, err := st.FindGeneration(ctx, "gen-1", false)
	require.NoError(t, err)
	require.Equal(t, model.StatusAwaitingApproval, g.Status, "a stale timeout job must not pause a request that hasn't actually expired")
}

func TestProcessAuthTimeoutCancelsAndReenqueuesQueuedMessages(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, st.InsertConversation(ctx, model.Conversation{ID: "conv-1", OwnerUserID: "user-1"}))
	require.NoError(t, st.InsertGeneration(ctx, model.Generation{
		ID:             "gen-1",
		ConversationID: "conv-1",
		Status:         model.StatusAwaitingAuth,
		StartedAt:      now.Add(-time.Hour),
		PendingAuth: &model.PendingAuth{
			Integrations: []string{"slack"},
			RequestedAt:  now.Add(-time.Hour),
			ExpiresAt:    now.Add(-time.Minute),
		},
	}))

	m := approval.New(st, q)
	require.NoError(t, m.ProcessAuthTimeout(ctx, "gen-1", now))

	g, err := st.FindGeneration(ctx, "gen-1", false)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, g.Status)
	require.Nil(t, g.PendingAuth)

	jobs, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "conversation:queued-message:process", jobs[0].Name)
}
