package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/genorch/orchestrator/approval"
	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/store"
	"github.com/genorch/orchestrator/subscription"
)

// CancelGeneration writes cancel_requested_at (spec.md §5, "Cancellation
// semantics"); the runner's cancellation-refresh loop observes it on its
// next poll.
func (o *Orchestrator) CancelGeneration(ctx context.Context, generationID, userID string) (bool, error) {
	g, err := o.store.FindGeneration(ctx, generationID, true)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := o.checkOwner(ctx, g.ConversationID, userID); err != nil {
		return false, err
	}
	if g.Status.Terminal() || g.CancelRequestedAt != nil {
		return true, nil
	}
	now := time.Now().UTC()
	if err := o.store.UpdateGeneration(ctx, generationID, store.GenerationPatch{CancelRequestedAt: &now}); err != nil {
		return false, err
	}
	return true, nil
}

// ResumeGeneration re-dispatches a paused generation (spec.md §6,
// "resumeGeneration"). Only generations paused by an approval timeout are
// resumable; the caller is expected to have separately resolved whatever
// blocked it (e.g. connected an integration, or simply wants another
// attempt).
func (o *Orchestrator) ResumeGeneration(ctx context.Context, generationID, userID string) (bool, error) {
	g, err := o.store.FindGeneration(ctx, generationID, true)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := o.checkOwner(ctx, g.ConversationID, userID); err != nil {
		return false, err
	}
	if g.Status != model.StatusPaused {
		return false, nil
	}
	conv, err := o.store.FindConversation(ctx, g.ConversationID)
	if err != nil {
		return false, err
	}
	status := model.StatusRunning
	if err := o.store.UpdateGeneration(ctx, generationID, store.GenerationPatch{Status: &status}); err != nil {
		return false, err
	}
	genStatus := model.GenerationStatusGenerating
	if err := o.store.UpdateConversation(ctx, g.ConversationID, store.ConversationPatch{GenerationStatus: &genStatus}); err != nil {
		return false, err
	}
	if err := o.dispatch(ctx, g, conv.Type); err != nil {
		return false, err
	}
	return true, nil
}

// SubmitApprovalInput is submitApproval's input (spec.md §6).
type SubmitApprovalInput struct {
	GenerationID    string
	ToolUseID       string
	Decision        model.ApprovalDecision
	UserID          string
	QuestionAnswers map[string]string
}

func (o *Orchestrator) SubmitApproval(ctx context.Context, in SubmitApprovalInput) (bool, error) {
	g, err := o.store.FindGeneration(ctx, in.GenerationID, false)
	if err != nil {
		return false, err
	}
	if err := o.checkOwner(ctx, g.ConversationID, in.UserID); err != nil {
		return false, err
	}
	err = o.approval.SubmitApproval(ctx, in.GenerationID, in.UserID, in.ToolUseID, in.Decision, in.QuestionAnswers)
	if err != nil {
		if errors.Is(err, approval.ErrNoMatch) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SubmitAuthResult records an integration's OAuth outcome (spec.md §6,
// "submitAuthResult"). On success it connects the integration; on failure
// the generation is cancelled directly (an auth failure, unlike a timeout,
// is definitive — retrying the same credentials will not help here, the
// caller must restart the integration flow and start a new generation).
func (o *Orchestrator) SubmitAuthResult(ctx context.Context, generationID, integration string, success bool, userID string) (bool, error) {
	g, err := o.store.FindGeneration(ctx, generationID, false)
	if err != nil {
		return false, err
	}
	if err := o.checkOwner(ctx, g.ConversationID, userID); err != nil {
		return false, err
	}
	if g.Status != model.StatusAwaitingAuth || g.PendingAuth == nil {
		return false, nil
	}
	if !success {
		status := model.StatusCancelled
		now := time.Now().UTC()
		var cleared *model.PendingAuth
		if err := o.store.UpdateGeneration(ctx, generationID, store.GenerationPatch{Status: &status, CompletedAt: &now, PendingAuth: &cleared}); err != nil {
			return false, err
		}
		genStatus := model.GenerationStatusError
		if err := o.store.UpdateConversation(ctx, g.ConversationID, store.ConversationPatch{GenerationStatus: &genStatus}); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := o.approval.ConnectIntegration(ctx, generationID, integration); err != nil {
		return false, err
	}
	return true, nil
}

// SubscribeToGeneration streams generationID's events (spec.md §4.8/§6).
func (o *Orchestrator) SubscribeToGeneration(ctx context.Context, generationID, userID string) (<-chan subscription.GenerationEvent, error) {
	ch, err := o.sub.Subscribe(ctx, generationID, userID)
	if errors.Is(err, subscription.ErrAccessDenied) {
		return nil, ErrAccessDenied
	}
	return ch, err
}

func (o *Orchestrator) checkOwner(ctx context.Context, conversationID, userID string) error {
	conv, err := o.store.FindConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.OwnerUserID != userID {
		return ErrAccessDenied
	}
	return nil
}
