package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/store"
)

// StartGenerationInput is start_generation's input (spec.md §4.10/§6).
type StartGenerationInput struct {
	ConversationID         string // empty starts a new conversation
	Content                string
	Model                  string
	UserID                 string
	AutoApprove            *bool // nil leaves the conversation's existing value unchanged
	AllowedIntegrations    []string
	AllowedCustomIntegrations []string
	FileAttachments        []model.FileAttachment
	SelectedPlatformSkills []string
}

// StartGenerationOutput is start_generation's result.
type StartGenerationOutput struct {
	GenerationID   string
	ConversationID string
}

// StartGeneration implements spec.md §4.10's admission sequence for a chat
// generation.
func (o *Orchestrator) StartGeneration(ctx context.Context, in StartGenerationInput) (StartGenerationOutput, error) {
	if err := o.validateModel(ctx, in.UserID, in.Model); err != nil {
		return StartGenerationOutput{}, fmt.Errorf("%w: %w", ErrModelNotAllowed, err)
	}

	conv, err := o.loadOrCreateConversation(ctx, in.ConversationID, in.UserID, model.ConversationTypeChat, in.Model, in.AutoApprove)
	if err != nil {
		return StartGenerationOutput{}, err
	}

	if _, err := o.store.FindActiveForConversation(ctx, conv.ID); err == nil {
		return StartGenerationOutput{}, store.ErrActiveGenerationExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return StartGenerationOutput{}, err
	}

	autoApprove := conv.AutoApprove
	now := time.Now().UTC()
	userMsg := model.Message{
		ID:             newID(),
		ConversationID: conv.ID,
		Role:           model.RoleUser,
		Content:        in.Content,
		ContentParts:   []model.ContentPart{{Type: model.ContentPartText, Text: in.Content}},
		Attachments:    in.FileAttachments,
		CreatedAt:      now,
	}
	if err := o.store.InsertMessage(ctx, userMsg); err != nil {
		return StartGenerationOutput{}, err
	}

	g := model.Generation{
		ID:             newID(),
		ConversationID: conv.ID,
		Status:         model.StatusRunning,
		ContentParts:   []model.ContentPart{{Type: model.ContentPartText, Text: in.Content}},
		ExecutionPolicy: model.ExecutionPolicy{
			AllowedIntegrations:       in.AllowedIntegrations,
			AllowedCustomIntegrations: in.AllowedCustomIntegrations,
			AutoApprove:               autoApprove,
			SelectedPlatformSkills:    in.SelectedPlatformSkills,
			QueuedFileAttachments:     in.FileAttachments,
		},
		StartedAt: now,
	}
	if err := o.store.InsertGeneration(ctx, g); err != nil {
		return StartGenerationOutput{}, err
	}

	if err := o.mirrorGenerating(ctx, conv.ID, g.ID); err != nil {
		return StartGenerationOutput{}, err
	}
	if err := o.dispatch(ctx, g, model.ConversationTypeChat); err != nil {
		return StartGenerationOutput{}, err
	}
	o.metrics.IncCounter("orchestrator_generation_started_total", 1)
	return StartGenerationOutput{GenerationID: g.ID, ConversationID: conv.ID}, nil
}

// StartWorkflowGenerationInput is start_workflow_generation's input
// (spec.md §4.10: "analogous [to StartGeneration] but: conversation type
// workflow, auto-approve is required input, selected_platform_skills
// omitted, content/title derived from the workflow run").
type StartWorkflowGenerationInput struct {
	WorkflowRunID             string
	Content                   string
	UserID                    string
	AutoApprove               bool
	AllowedIntegrations       []string
	AllowedCustomIntegrations []string
}

func (o *Orchestrator) StartWorkflowGeneration(ctx context.Context, in StartWorkflowGenerationInput) (StartGenerationOutput, error) {
	conv := model.Conversation{
		ID:               newID(),
		OwnerUserID:      in.UserID,
		Type:             model.ConversationTypeWorkflow,
		AutoApprove:      in.AutoApprove,
		GenerationStatus: model.GenerationStatusIdle,
		Title:            in.WorkflowRunID,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	if err := o.store.InsertConversation(ctx, conv); err != nil {
		return StartGenerationOutput{}, err
	}

	now := time.Now().UTC()
	g := model.Generation{
		ID:             newID(),
		ConversationID: conv.ID,
		Status:         model.StatusRunning,
		ContentParts:   []model.ContentPart{{Type: model.ContentPartText, Text: in.Content}},
		ExecutionPolicy: model.ExecutionPolicy{
			AllowedIntegrations:       in.AllowedIntegrations,
			AllowedCustomIntegrations: in.AllowedCustomIntegrations,
			AutoApprove:               in.AutoApprove,
		},
		StartedAt:     now,
		WorkflowRunID: in.WorkflowRunID,
	}
	if err := o.store.InsertGeneration(ctx, g); err != nil {
		return StartGenerationOutput{}, err
	}
	if err := o.mirrorGenerating(ctx, conv.ID, g.ID); err != nil {
		return StartGenerationOutput{}, err
	}
	if err := o.dispatch(ctx, g, model.ConversationTypeWorkflow); err != nil {
		return StartGenerationOutput{}, err
	}
	o.metrics.IncCounter("orchestrator_generation_started_total", 1)
	return StartGenerationOutput{GenerationID: g.ID, ConversationID: conv.ID}, nil
}

func (o *Orchestrator) loadOrCreateConversation(ctx context.Context, conversationID, userID string, t model.ConversationType, modelID string, autoApprove *bool) (model.Conversation, error) {
	if conversationID == "" {
		conv := model.Conversation{
			ID:               newID(),
			OwnerUserID:      userID,
			Type:             t,
			CurrentModel:     modelID,
			GenerationStatus: model.GenerationStatusIdle,
			CreatedAt:        time.Now().UTC(),
			UpdatedAt:        time.Now().UTC(),
		}
		if autoApprove != nil {
			conv.AutoApprove = *autoApprove
		}
		if err := o.store.InsertConversation(ctx, conv); err != nil {
			return model.Conversation{}, err
		}
		return conv, nil
	}

	conv, err := o.store.FindConversation(ctx, conversationID)
	if err != nil {
		return model.Conversation{}, err
	}
	if conv.OwnerUserID != userID {
		return model.Conversation{}, ErrAccessDenied
	}
	if autoApprove != nil && *autoApprove != conv.AutoApprove {
		if err := o.store.UpdateConversation(ctx, conv.ID, store.ConversationPatch{AutoApprove: autoApprove}); err != nil {
			return model.Conversation{}, err
		}
		conv.AutoApprove = *autoApprove
	}
	return conv, nil
}

// mirrorGenerating mirrors the conversation status to generating (spec.md
// §4.10 step 6). The stuck-check watchdog job itself is enqueued by
// runner.Runner.prepare, whose clock starts exactly when preparation begins
// rather than at admission, giving a tighter bound on the same timeout.
func (o *Orchestrator) mirrorGenerating(ctx context.Context, conversationID, generationID string) error {
	status := model.GenerationStatusGenerating
	return o.store.UpdateConversation(ctx, conversationID, store.ConversationPatch{
		GenerationStatus:  &status,
		CurrentGeneration: &generationID,
	})
}

// startFromQueued is the queued.StartFunc the Queued-Message Processor
// invokes for each claimed row (spec.md §4.9: "attempt start_generation").
func (o *Orchestrator) startFromQueued(ctx context.Context, qm model.QueuedMessage) (string, error) {
	out, err := o.StartGeneration(ctx, StartGenerationInput{
		ConversationID:         qm.ConversationID,
		Content:                qm.Content,
		UserID:                 qm.UserID,
		FileAttachments:        qm.FileAttachments,
		SelectedPlatformSkills: qm.SelectedPlatformSkills,
	})
	if err != nil {
		return "", err
	}
	return out.GenerationID, nil
}
