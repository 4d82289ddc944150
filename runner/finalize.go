package runner

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/queue"
	"github.com/genorch/orchestrator/store"
)

// finalizeCompleted idempotently closes out a successful generation:
// inserts the assistant message, generates a title for a brand-new chat,
// writes final status/timing, mirrors the conversation, and enqueues the
// conversation's queued-message processor (spec.md §4.7, "finalize").
func (r *Runner) finalizeCompleted(ctx context.Context, generationID string) error {
	g, err := r.store.FindGeneration(ctx, generationID, false)
	if err != nil {
		return err
	}
	if g.Status.Terminal() {
		return nil // already finalized by a prior attempt
	}
	if g.IsFinalizing {
		return nil
	}
	finalizing := true
	if err := r.store.UpdateGeneration(ctx, generationID, store.GenerationPatch{IsFinalizing: &finalizing}); err != nil {
		return err
	}

	now := time.Now().UTC()
	msg := model.Message{
		ID:             uuid.NewString(),
		ConversationID: g.ConversationID,
		Role:           model.RoleAssistant,
		ContentParts:   g.ContentParts,
		Content:        finalAnswerText(g.ContentParts),
		InputTokens:    g.InputTokens,
		OutputTokens:   g.OutputTokens,
		Timing:         g.Timing,
		CreatedAt:      now,
	}
	if err := r.store.InsertMessage(ctx, msg); err != nil {
		return err
	}

	status := model.StatusCompleted
	messageID := msg.ID
	if err := r.store.UpdateGeneration(ctx, generationID, store.GenerationPatch{
		Status:      &status,
		CompletedAt: &now,
		MessageID:   &messageID,
	}); err != nil {
		return err
	}
	r.phase(ctx, generationID, PhaseGenerationCompleted)
	conv, err := r.store.FindConversation(ctx, g.ConversationID)
	if err != nil {
		return err
	}
	title := ""
	if conv.Title == "" {
		title = deriveTitle(msg.Content)
	}
	return r.mirrorAndAdvance(ctx, g.ConversationID, model.GenerationStatusComplete, title)
}

func (r *Runner) finalizeCancelled(ctx context.Context, generationID string) error {
	g, err := r.store.FindGeneration(ctx, generationID, false)
	if err != nil {
		return err
	}
	if g.Status.Terminal() {
		return nil
	}
	status := model.StatusCancelled
	now := time.Now().UTC()
	if err := r.store.UpdateGeneration(ctx, generationID, store.GenerationPatch{Status: &status, CompletedAt: &now}); err != nil {
		return err
	}
	r.phase(ctx, generationID, PhaseGenerationCancelled)
	return r.mirrorAndAdvance(ctx, g.ConversationID, model.GenerationStatusIdle, "")
}

func (r *Runner) finalizeError(ctx context.Context, generationID string, cause error) error {
	g, err := r.store.FindGeneration(ctx, generationID, false)
	if err != nil {
		return err
	}
	if g.Status.Terminal() {
		return nil
	}
	status := model.StatusError
	now := time.Now().UTC()
	msg := cause.Error()
	if err := r.store.UpdateGeneration(ctx, generationID, store.GenerationPatch{
		Status:       &status,
		CompletedAt:  &now,
		ErrorMessage: &msg,
	}); err != nil {
		return err
	}
	r.phase(ctx, generationID, PhaseGenerationError)
	r.logger.Error(ctx, "generation failed", "generation_id", generationID, "error", msg)
	return r.mirrorAndAdvance(ctx, g.ConversationID, model.GenerationStatusError, "")
}

// mirrorAndAdvance updates the conversation's generation_status (and
// title, if newTitle is non-empty) and enqueues the next queued message,
// if any (spec.md §4.9).
func (r *Runner) mirrorAndAdvance(ctx context.Context, conversationID string, status model.GenerationStatus, newTitle string) error {
	patch := store.ConversationPatch{GenerationStatus: &status}
	if newTitle != "" {
		patch.Title = &newTitle
	}
	if err := r.store.UpdateConversation(ctx, conversationID, patch); err != nil {
		return err
	}
	return r.queue.Enqueue(ctx, queue.JobConversationQueuedMsgProcess, queuedProcessPayload{ConversationID: conversationID}, queue.EnqueueOptions{
		JobID: "queued-process:" + conversationID,
	})
}

type queuedProcessPayload struct {
	ConversationID string `json:"conversation_id"`
}

func finalAnswerText(parts []model.ContentPart) string {
	var out string
	for _, p := range parts {
		if p.Type == model.ContentPartText {
			out = p.Text
		}
	}
	return out
}

// deriveTitle returns "" when text is empty (signalling "leave the
// existing title alone"), otherwise a short single-line summary —
// illustrative only; a production deployment would call a summarization
// model.
func deriveTitle(text string) string {
	if text == "" {
		return ""
	}
	const maxLen = 60
	title := text
	if idx := indexNewline(title); idx >= 0 {
		title = title[:idx]
	}
	if len(title) > maxLen {
		title = title[:maxLen]
	}
	return title
}

func indexNewline(s string) int {
	for i, r := range s {
		if r == '\n' {
			return i
		}
	}
	return -1
}
