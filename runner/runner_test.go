package runner_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genorch/orchestrator/approval"
	"github.com/genorch/orchestrator/lease/memlease"
	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/providerevent"
	"github.com/genorch/orchestrator/queue/memqueue"
	"github.com/genorch/orchestrator/runner"
	"github.com/genorch/orchestrator/sandbox"
	"github.com/genorch/orchestrator/store"
	"github.com/genorch/orchestrator/store/memstore"
)

// fakeClient is a scriptable sandbox.Client: promptFn controls exactly
// what a test's Prompt call emits and when, so approval/cancel/error
// interleavings can be driven deterministically.
type fakeClient struct {
	mu       sync.Mutex
	events   chan providerevent.ProviderEvent
	promptFn func(c *fakeClient, ctx context.Context, req sandbox.PromptRequest) error
	onReply  func(reply sandbox.PermissionReply)

	aborted  bool
	abortCh  chan struct{}
	abortOne sync.Once
	replies  []sandbox.PermissionReply
}

func newFakeClient() *fakeClient {
	return &fakeClient{abortCh: make(chan struct{})}
}

// awaitAbort blocks until Abort is called, the way the real sandbox
// client's in-flight request would observe cancellation.
func (c *fakeClient) awaitAbort() <-chan struct{} { return c.abortCh }

func (c *fakeClient) Subscribe(ctx context.Context, cancel <-chan struct{}) (<-chan providerevent.ProviderEvent, error) {
	c.mu.Lock()
	c.events = make(chan providerevent.ProviderEvent, 32)
	ch := c.events
	c.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
		case <-cancel:
		}
		c.mu.Lock()
		if c.events == ch {
			close(c.events)
			c.events = nil
		}
		c.mu.Unlock()
	}()
	return ch, nil
}

func (c *fakeClient) Prompt(ctx context.Context, req sandbox.PromptRequest) error {
	return c.promptFn(c, ctx, req)
}

func (c *fakeClient) emit(ev providerevent.ProviderEvent) {
	c.mu.Lock()
	ch := c.events
	c.mu.Unlock()
	if ch == nil {
		return
	}
	defer func() { recover() }()
	ch <- ev
}

func (c *fakeClient) Abort(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()
	c.abortOne.Do(func() { close(c.abortCh) })
	return nil
}

func (c *fakeClient) ReplyPermission(ctx context.Context, requestID string, reply sandbox.PermissionReply) error {
	c.mu.Lock()
	c.replies = append(c.replies, reply)
	cb := c.onReply
	c.mu.Unlock()
	if cb != nil {
		cb(reply)
	}
	return nil
}

func (c *fakeClient) ReplyQuestion(ctx context.Context, requestID string, answers map[string]string) error {
	return nil
}

func (c *fakeClient) RejectQuestion(ctx context.Context, requestID string) error { return nil }

type fakeFiles struct{}

func (fakeFiles) Read(ctx context.Context, path string) ([]byte, error)        { return nil, nil }
func (fakeFiles) Write(ctx context.Context, path string, content []byte) error { return nil }

type fakeCommands struct{}

func (fakeCommands) Run(ctx context.Context, cmd []string, opts sandbox.CommandOptions) (sandbox.CommandResult, error) {
	return sandbox.CommandResult{ExitCode: 0, Stdout: ""}, nil
}

type fakeSandboxHandle struct{ id string }

func (s fakeSandboxHandle) ID() string               { return s.id }
func (fakeSandboxHandle) Files() sandbox.Files       { return fakeFiles{} }
func (fakeSandboxHandle) Commands() sandbox.Commands { return fakeCommands{} }

type fakeProvider struct{ client *fakeClient }

func (p fakeProvider) GetOrCreateSession(ctx context.Context, req sandbox.SessionRequest, opts sandbox.GetOrCreateSessionOptions) (sandbox.Session, error) {
	return sandbox.Session{Client: p.client, SessionID: req.ConversationID + ":" + req.GenerationID, Sandbox: fakeSandboxHandle{id: "sandbox-1"}}, nil
}

func newHarness(t *testing.T, client *fakeClient) (*runner.Runner, store.Store, *approval.Manager) {
	t.Helper()
	st := memstore.New()
	q := memqueue.New()
	ls := memlease.New()
	am := approval.New(st, q)
	r := runner.New(st, ls, q, fakeProvider{client: client}, am, runner.WithConfig(runner.Config{
		LeaseTTL:           time.Minute,
		LeaseRenewInterval: 10 * time.Second,
		PreparingTimeout:   5 * time.Second,
		PromptTimeout:      5 * time.Second,
	}))
	return r, st, am
}

func seedGeneration(t *testing.T, st store.Store, ep model.ExecutionPolicy) (conversationID, generationID string) {
	t.Helper()
	ctx := context.Background()
	conversationID, generationID = "conv-1", "gen-1"
	require.NoError(t, st.InsertConversation(ctx, model.Conversation{ID: conversationID, OwnerUserID: "user-1"}))
	require.NoError(t, st.InsertGeneration(ctx, model.Generation{
		ID:              generationID,
		ConversationID:  conversationID,
		Status:          model.StatusRunning,
		ContentParts:    []model.ContentPart{{Type: model.ContentPartText, Text: "hi"}},
		ExecutionPolicy: ep,
		StartedAt:       time.Now(),
	}))
	return conversationID, generationID
}

func TestRunCompletesOnSessionIdle(t *testing.T) {
	client := newFakeClient()
	client.promptFn = func(c *fakeClient, ctx context.Context, req sandbox.PromptRequest) error {
		c.emit(providerevent.MessageUpdatedEvent{MessageID: "m1", Role: "assistant"})
		c.emit(providerevent.TextPartEvent{MessageID: "m1", PartID: "p1", FullText: "hello there"})
		c.emit(providerevent.SessionIdleEvent{})
		return nil
	}
	r, st, _ := newHarness(t, client)
	_, generationID := seedGeneration(t, st, model.ExecutionPolicy{})

	require.NoError(t, r.Run(context.Background(), generationID))

	g, err := st.FindGeneration(context.Background(), generationID, false)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, g.Status)
	require.NotEmpty(t, g.MessageID)
}

func TestRunErrorsOnSessionError(t *testing.T) {
	client := newFakeClient()
	client.promptFn = func(c *fakeClient, ctx context.Context, req sandbox.PromptRequest) error {
		c.emit(providerevent.SessionErrorEvent{Message: "provider exploded"})
		return nil
	}
	r, st, _ := newHarness(t, client)
	_, generationID := seedGeneration(t, st, model.ExecutionPolicy{})

	require.NoError(t, r.Run(context.Background(), generationID))

	g, err := st.FindGeneration(context.Background(), generationID, false)
	require.NoError(t, err)
	require.Equal(t, model.StatusError, g.Status)
	require.Contains(t, g.ErrorMessage, "provider exploded")
}

func TestRunCancelsOnCancelRequest(t *testing.T) {
	client := newFakeClient()
	started := make(chan struct{})
	client.promptFn = func(c *fakeClient, ctx context.Context, req sandbox.PromptRequest) error {
		close(started)
		<-c.awaitAbort()
		return nil
	}
	r, st, _ := newHarness(t, client)
	_, generationID := seedGeneration(t, st, model.ExecutionPolicy{})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), generationID) }()

	<-started
	now := time.Now().UTC()
	require.NoError(t, st.UpdateGeneration(context.Background(), generationID, store.GenerationPatch{CancelRequestedAt: &now}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not observe cancellation in time")
	}

	g, err := st.FindGeneration(context.Background(), generationID, false)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, g.Status)
	require.True(t, client.aborted)
}

func TestRunSuspendsForApprovalAndResumesOnDecision(t *testing.T) {
	client := newFakeClient()
	approved := make(chan struct{})
	client.onReply = func(reply sandbox.PermissionReply) {
		if reply == sandbox.PermissionAlways {
			close(approved)
		}
	}
	client.promptFn = func(c *fakeClient, ctx context.Context, req sandbox.PromptRequest) error {
		c.emit(providerevent.ToolPartEvent{
			MessageID: "m1",
			ToolUseID: "tool-1",
			Name:      "bash",
			Status:    providerevent.ToolStatusRunning,
			Input:     json.RawMessage(`{"command":"slack chat send hello"}`),
		})
		<-approved
		c.emit(providerevent.ToolPartEvent{ToolUseID: "tool-1", Status: providerevent.ToolStatusCompleted, Output: "sent"})
		c.emit(providerevent.SessionIdleEvent{})
		return nil
	}
	r, st, am := newHarness(t, client)
	_, generationID := seedGeneration(t, st, model.ExecutionPolicy{AutoApprove: false})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), generationID) }()

	require.Eventually(t, func() bool {
		g, err := st.FindGeneration(context.Background(), generationID, false)
		return err == nil && g.PendingApproval != nil && g.PendingApproval.ToolUseID == "tool-1"
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, am.SubmitApproval(context.Background(), generationID, "user-1", "tool-1", model.ApprovalApproved, nil))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not resume after approval")
	}

	g, err := st.FindGeneration(context.Background(), generationID, false)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, g.Status)
	require.Contains(t, client.replies, sandbox.PermissionAlways)
}

func TestRunIsANoOpForAnAlreadyTerminalGeneration(t *testing.T) {
	client := newFakeClient()
	client.promptFn = func(c *fakeClient, ctx context.Context, req sandbox.PromptRequest) error {
		t.Fatal("Prompt must not be called for an already-terminal generation")
		return nil
	}
	r, st, _ := newHarness(t, client)
	ctx := context.Background()
	require.NoError(t, st.InsertConversation(ctx, model.Conversation{ID: "conv-1", OwnerUserID: "user-1"}))
	require.NoError(t, st.InsertGeneration(ctx, model.Generation{
		ID: "gen-1", ConversationID: "conv-1", Status: model.StatusCompleted, StartedAt: time.Now(),
	}))

	require.NoError(t, r.Run(ctx, "gen-1"))
}
