package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genorch/orchestrator/approval"
	"github.com/genorch/orchestrator/lease/memlease"
	"github.com/genorch/orchestrator/orchestrator"
	"github.com/genorch/orchestrator/queue/memqueue"
	"github.com/genorch/orchestrator/runner"
	"github.com/genorch/orchestrator/sandbox"
	"github.com/genorch/orchestrator/sandbox/localsandbox"
	"github.com/genorch/orchestrator/store"
	"github.com/genorch/orchestrator/store/memstore"
	"github.com/genorch/orchestrator/subscription"
)

func newTestOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	st := memstore.New()
	q := memqueue.New()
	ls := memlease.New()
	dir := t.TempDir()
	sp, err := localsandbox.NewProvider(dir, localsandbox.EchoResponder{})
	require.NoError(t, err)
	am := approval.New(st, q)
	r := runner.New(st, ls, q, sp, am)
	return orchestrator.New(st, q, sp, am, r,
		orchestrator.WithOrchestratorConfig(orchestrator.Config{DeferToWorker: false}),
	)
}

func drainToTerminal(t *testing.T, ch <-chan subscription.GenerationEvent) subscription.GenerationEvent {
	t.Helper()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("channel closed before a terminal event arrived")
			}
			if ev.Type == subscription.EventDone || ev.Type == subscription.EventError {
				return ev
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a terminal event")
		}
	}
}

func TestStartGenerationHappyPath(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	out, err := orch.StartGeneration(ctx, orchestrator.StartGenerationInput{
		Content: "Say hi",
		Model:   "demo-model",
		UserID:  "user-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.GenerationID)
	require.NotEmpty(t, out.ConversationID)

	events, err := orch.SubscribeToGeneration(ctx, out.GenerationID, "user-1")
	require.NoError(t, err)

	final := drainToTerminal(t, events)
	require.Equal(t, subscription.EventDone, final.Type)
	require.NotNil(t, final.Done)
	require.NotEmpty(t, final.Done.MessageID)
}

// blockingResponder holds Respond open until release is closed, so a test
// can start a second generation while the first is provably still active.
type blockingResponder struct{ release chan struct{} }

func (r blockingResponder) Respond(ctx context.Context, dir *localsandbox.Dir, parts sandbox.PromptParts) (string, error) {
	<-r.release
	return "blocked response", nil
}

func TestStartGenerationRejectsSecondActiveGeneration(t *testing.T) {
	st := memstore.New()
	q := memqueue.New()
	ls := memlease.New()
	dir := t.TempDir()
	release := make(chan struct{})
	defer close(release)
	sp, err := localsandbox.NewProvider(dir, blockingResponder{release: release})
	require.NoError(t, err)
	am := approval.New(st, q)
	r := runner.New(st, ls, q, sp, am)
	orch := orchestrator.New(st, q, sp, am, r,
		orchestrator.WithOrchestratorConfig(orchestrator.Config{DeferToWorker: false}),
	)
	ctx := context.Background()

	first, err := orch.StartGeneration(ctx, orchestrator.StartGenerationInput{
		Content: "first",
		Model:   "demo-model",
		UserID:  "user-1",
	})
	require.NoError(t, err)

	_, err = orch.StartGeneration(ctx, orchestrator.StartGenerationInput{
		ConversationID: first.ConversationID,
		Content:        "second",
		Model:          "demo-model",
		UserID:         "user-1",
	})
	require.ErrorIs(t, err, store.ErrActiveGenerationExists)
}

func TestSubscribeToGenerationDeniesWrongOwner(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	out, err := orch.StartGeneration(ctx, orchestrator.StartGenerationInput{
		Content: "Say hi",
		Model:   "demo-model",
		UserID:  "user-1",
	})
	require.NoError(t, err)

	_, err = orch.SubscribeToGeneration(ctx, out.GenerationID, "someone-else")
	require.ErrorIs(t, err, orchestrator.ErrAccessDenied)
}

func TestEnqueueConversationMessageUnknownConversation(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := orch.EnqueueConversationMessage(ctx, orchestrator.EnqueueConversationMessageInput{
		ConversationID: "does-not-exist",
		UserID:         "user-1",
		Content:        "hi",
	})
	require.ErrorIs(t, err, orchestrator.ErrConversationNotFound)
}

func TestCancelGenerationIsIdempotent(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	out, err := orch.StartGeneration(ctx, orchestrator.StartGenerationInput{
		Content: "Say hi",
		Model:   "demo-model",
		UserID:  "user-1",
	})
	require.NoError(t, err)

	ok, err := orch.CancelGeneration(ctx, out.GenerationID, "user-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Cancelling again must stay a no-op, not error, whether or not the
	// generation had already finished in the meantime.
	ok, err = orch.CancelGeneration(ctx, out.GenerationID, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
}

