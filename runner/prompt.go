package runner

import (
	"context"
	"errors"
	"time"

	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/providerevent"
	"github.com/genorch/orchestrator/sandbox"
	"github.com/genorch/orchestrator/store"
)

type promptOutcome int

const (
	promptOutcomeCompleted promptOutcome = iota
	promptOutcomeCancelled
	promptOutcomeApprovalPending
	promptOutcomeAuthPending
)

// runPrompt sends one turn and consumes the provider's event stream
// concurrently, applying each normalized effect to durable state as it
// arrives (spec.md §4.4: "must be awaited in parallel with event stream
// consumption"; §4.5). It returns once the turn reaches a terminal
// outcome for this Run invocation.
func (r *Runner) runPrompt(ctx context.Context, g model.Generation, conv model.Conversation, sess sandbox.Session, norm *providerevent.Normalizer) (promptOutcome, error) {
	r.phase(ctx, g.ID, PhasePrePromptSetupStarted)

	cancelStream := make(chan struct{})
	events, err := sess.Client.Subscribe(ctx, cancelStream)
	if err != nil {
		return promptOutcomeCompleted, err
	}

	promptDone := make(chan error, 1)
	go func() {
		promptDone <- sess.Client.Prompt(ctx, sandbox.PromptRequest{
			SessionID: sess.SessionID,
			Parts:     buildPromptParts(g),
			Model:     conv.CurrentModel,
		})
	}()
	r.phase(ctx, g.ID, PhasePromptSent)

	promptCtx, cancelPrompt := context.WithTimeout(ctx, r.cfg.PromptTimeout)
	defer cancelPrompt()

	cancelPoll := time.NewTicker(cancellationPollInterval)
	defer cancelPoll.Stop()

	firstEvent := true
	for {
		select {
		case <-promptCtx.Done():
			close(cancelStream)
			_ = sess.Client.Abort(ctx, sess.SessionID)
			return promptOutcomeCompleted, promptCtx.Err()

		case <-cancelPoll.C:
			gen, err := r.store.FindGeneration(ctx, g.ID, false)
			if err == nil && gen.CancelRequestedAt != nil {
				close(cancelStream)
				_ = sess.Client.Abort(ctx, sess.SessionID)
				return promptOutcomeCancelled, nil
			}

		case perr := <-promptDone:
			if perr != nil {
				close(cancelStream)
				return promptOutcomeCompleted, perr
			}
			// Provider finished producing; drain remaining buffered
			// events until the stream itself reports idle/closes.
			continue

		case ev, ok := <-events:
			if !ok {
				return promptOutcomeCompleted, nil
			}
			if firstEvent {
				r.phase(ctx, g.ID, PhaseFirstEventReceived)
				firstEvent = false
			}
			outcome, pending, err := r.applyEvent(ctx, g, sess, norm, ev)
			if err != nil {
				return promptOutcomeCompleted, err
			}
			if pending {
				close(cancelStream)
				return outcome, nil
			}
			if outcome == promptOutcomeCompleted && ev.Kind() == providerevent.KindSessionIdle {
				r.phase(ctx, g.ID, PhaseSessionIdle)
				r.phase(ctx, g.ID, PhasePromptCompleted)
				return promptOutcomeCompleted, nil
			}
		}
	}
}

// applyEvent normalizes one raw provider event, persists its effect, and
// — when the event is a write-capable tool invocation requiring approval
// — suspends the turn by writing a pending approval and blocking on its
// resolution (held for as long as the lease renew loop keeps the lease
// alive). Returns (outcome, pending=true) when the turn must end this Run
// invocation's event loop.
func (r *Runner) applyEvent(ctx context.Context, g model.Generation, sess sandbox.Session, norm *providerevent.Normalizer, ev providerevent.ProviderEvent) (promptOutcome, bool, error) {
	if se, ok := ev.(providerevent.SessionErrorEvent); ok {
		r.phase(ctx, g.ID, PhaseSessionError)
		return promptOutcomeCompleted, false, errors.New("provider session error: " + se.Message)
	}

	for _, n := range norm.Apply(ev) {
		switch n.Kind {
		case providerevent.EventText, providerevent.EventThinking:
			if !n.IsNewPart {
				// The normalizer numbers only the parts it produced; the
				// generation already held len(g.ContentParts) parts when
				// this Run began.
				n.PartIndex += len(g.ContentParts)
			}
			if err := r.applyTextEffect(ctx, g.ID, n); err != nil {
				return promptOutcomeCompleted, false, err
			}
		case providerevent.EventToolUse:
			if err := r.store.UpdateGeneration(ctx, g.ID, store.GenerationPatch{AppendContentParts: []model.ContentPart{n.Part}}); err != nil {
				return promptOutcomeCompleted, false, err
			}
			if n.Part.IsWrite && !r.approval.AutoApprove(g.ExecutionPolicy.AutoApprove, n.Part.ToolName, n.Part.ToolInput) {
				cont, outcome, err := r.awaitApproval(ctx, g, sess, n.Part)
				if err != nil {
					return promptOutcomeCompleted, false, err
				}
				if !cont {
					return outcome, true, nil
				}
			}
		case providerevent.EventToolResult, providerevent.EventSystem:
			if err := r.store.UpdateGeneration(ctx, g.ID, store.GenerationPatch{AppendContentParts: []model.ContentPart{n.Part}}); err != nil {
				return promptOutcomeCompleted, false, err
			}
		}
	}
	return promptOutcomeCompleted, false, nil
}

func (r *Runner) applyTextEffect(ctx context.Context, generationID string, n providerevent.NormalizedEvent) error {
	if n.IsNewPart {
		return r.store.UpdateGeneration(ctx, generationID, store.GenerationPatch{AppendContentParts: []model.ContentPart{n.Part}})
	}
	return r.store.UpdateGeneration(ctx, generationID, store.GenerationPatch{
		ReplaceContentPartAt: &store.ContentPartReplace{Index: n.PartIndex, Part: n.Part},
	})
}

// awaitApproval writes the pending-approval request and blocks until it
// resolves (held for as long as the lease renew loop keeps the lease
// alive — spec.md §4.2/§4.6), then replies to the provider. When the
// decision is approved, the generation flips back to running and the
// caller should continue consuming the event stream (cont=true). When
// denied — including by a concurrent timeout job pausing/cancelling the
// generation, or an explicit cancellation — the turn ends here
// (cont=false) and the caller returns the given outcome.
func (r *Runner) awaitApproval(ctx context.Context, g model.Generation, sess sandbox.Session, part model.ContentPart) (cont bool, outcome promptOutcome, err error) {
	req := model.PendingApproval{
		ToolUseID:   part.ToolUseID,
		ToolName:    part.ToolName,
		ToolInput:   part.ToolInput,
		Integration: part.Integration,
		Operation:   part.Operation,
		Command:     part.Command,
	}
	if err := r.approval.WriteApprovalRequest(ctx, g.ID, g.ConversationID, req, time.Now()); err != nil {
		return false, promptOutcomeCompleted, err
	}
	decision, err := r.approval.WaitForApprovalDecision(ctx, g.ID, part.ToolUseID)
	if err != nil {
		return false, promptOutcomeCompleted, err
	}
	reply := sandbox.PermissionReject
	if decision.Approved {
		reply = sandbox.PermissionAlways
	}
	if err := sess.Client.ReplyPermission(ctx, part.ToolUseID, reply); err != nil {
		return false, promptOutcomeCompleted, err
	}
	if !decision.Approved {
		if gen, gerr := r.store.FindGeneration(ctx, g.ID, false); gerr == nil && gen.CancelRequestedAt != nil {
			return false, promptOutcomeCancelled, nil
		}
		return false, promptOutcomeApprovalPending, nil // paused by the timeout handler, or superseded
	}
	if !decision.Reconciled {
		status := model.StatusRunning
		var cleared *model.PendingApproval
		if err := r.store.UpdateGeneration(ctx, g.ID, store.GenerationPatch{Status: &status, PendingApproval: &cleared}); err != nil {
			return false, promptOutcomeCompleted, err
		}
	}
	return true, promptOutcomeCompleted, nil
}

func buildPromptParts(g model.Generation) sandbox.PromptParts {
	var text string
	for _, p := range g.ContentParts {
		if p.Type == model.ContentPartText {
			text = p.Text
		}
	}
	var staged []string
	for _, f := range g.ExecutionPolicy.QueuedFileAttachments {
		staged = append(staged, "/home/user/uploads/"+f.Name)
	}
	return sandbox.PromptParts{Text: text, StagedFiles: staged}
}
