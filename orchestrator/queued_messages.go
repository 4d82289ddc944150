package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/queue"
	"github.com/genorch/orchestrator/store"
)

// ErrConversationNotFound is returned by EnqueueConversationMessage when
// conversationID does not exist (spec.md §6, "NotFound").
var ErrConversationNotFound = errors.New("orchestrator: conversation not found")

// EnqueueConversationMessageInput is enqueueConversationMessage's input.
type EnqueueConversationMessageInput struct {
	ConversationID         string
	UserID                 string
	Content                string
	FileAttachments        []model.FileAttachment
	SelectedPlatformSkills []string
}

// EnqueueConversationMessage buffers a user turn for later processing
// (spec.md §3, "Queued message"; §6).
func (o *Orchestrator) EnqueueConversationMessage(ctx context.Context, in EnqueueConversationMessageInput) (string, error) {
	conv, err := o.store.FindConversation(ctx, in.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrConversationNotFound
		}
		return "", err
	}
	if conv.OwnerUserID != in.UserID {
		return "", ErrAccessDenied
	}
	now := time.Now().UTC()
	qm := model.QueuedMessage{
		ID:                     newID(),
		ConversationID:         in.ConversationID,
		UserID:                 in.UserID,
		Content:                in.Content,
		FileAttachments:        in.FileAttachments,
		SelectedPlatformSkills: in.SelectedPlatformSkills,
		Status:                 model.QueuedMessageQueued,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := o.store.EnqueueQueuedMessage(ctx, qm); err != nil {
		return "", err
	}
	// Trigger a drain attempt now rather than waiting for the next
	// finalize (spec.md §4.9's re-enqueue-on-finalize trigger covers the
	// steady state; a conversation with no active generation at all would
	// otherwise never get this first job).
	if err := o.queue.Enqueue(ctx, queue.JobConversationQueuedMsgProcess, queuedProcessPayload{ConversationID: in.ConversationID}, queue.EnqueueOptions{
		JobID: "queued-process:" + in.ConversationID,
	}); err != nil {
		return "", err
	}
	return qm.ID, nil
}

type queuedProcessPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ListConversationQueuedMessages lists a conversation's buffered turns.
func (o *Orchestrator) ListConversationQueuedMessages(ctx context.Context, conversationID, userID string) ([]model.QueuedMessage, error) {
	if err := o.checkOwner(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return o.store.ListQueuedMessages(ctx, conversationID)
}

// RemoveConversationQueuedMessage removes a still-queued row (spec.md §6).
func (o *Orchestrator) RemoveConversationQueuedMessage(ctx context.Context, queuedID, conversationID, userID string) (bool, error) {
	if err := o.checkOwner(ctx, conversationID, userID); err != nil {
		return false, err
	}
	if err := o.store.RemoveQueuedMessage(ctx, queuedID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ProcessConversationQueuedMessages is the conversation:queued-message:process
// job handler (spec.md §4.9).
func (o *Orchestrator) ProcessConversationQueuedMessages(ctx context.Context, conversationID string) error {
	return o.queuedP.Process(ctx, conversationID)
}
