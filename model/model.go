// Package model defines the durable data shapes the Generation Orchestrator
// reads and writes: conversations, generations, content parts, pending
// approval/auth payloads, queued messages, and persisted chat messages.
//
// These types are the wire format understood by the rest of the system —
// the Durable Store Adapter (package store), the Subscription Stream
// (package subscription), and the external operations exposed by
// package orchestrator. A rewrite of any single component must preserve
// these shapes; they are the compatibility surface described in
// spec.md §6.
package model

import (
	"encoding/json"
	"time"
)

// ConversationType distinguishes a regular chat conversation from a
// workflow-triggered one. Workflow conversations never expose selected
// platform skills and require auto_approve to be specified explicitly.
type ConversationType string

const (
	ConversationTypeChat     ConversationType = "chat"
	ConversationTypeWorkflow ConversationType = "workflow"
)

// GenerationStatus mirrors the conversation-level view of a generation's
// lifecycle (spec.md §3, "Conversation" attributes).
type GenerationStatus string

const (
	GenerationStatusIdle             GenerationStatus = "idle"
	GenerationStatusGenerating       GenerationStatus = "generating"
	GenerationStatusAwaitingApproval GenerationStatus = "awaiting_approval"
	GenerationStatusAwaitingAuth     GenerationStatus = "awaiting_auth"
	GenerationStatusPaused           GenerationStatus = "paused"
	GenerationStatusComplete         GenerationStatus = "complete"
	GenerationStatusError            GenerationStatus = "error"
)

// Conversation is the logical thread a generation runs within. See
// spec.md §3.
type Conversation struct {
	ID                string           `json:"id" bson:"_id"`
	OwnerUserID       string           `json:"owner_user_id" bson:"owner_user_id"`
	Type              ConversationType `json:"type" bson:"type"`
	CurrentModel      string           `json:"current_model,omitempty" bson:"current_model,omitempty"`
	AutoApprove       bool             `json:"auto_approve" bson:"auto_approve"`
	CurrentGeneration string           `json:"current_generation_id,omitempty" bson:"current_generation_id,omitempty"`
	GenerationStatus  GenerationStatus `json:"generation_status" bson:"generation_status"`
	SandboxID         string           `json:"sandbox_id,omitempty" bson:"sandbox_id,omitempty"`
	SessionID         string           `json:"session_id,omitempty" bson:"session_id,omitempty"`
	Title             string           `json:"title,omitempty" bson:"title,omitempty"`
	CreatedAt         time.Time        `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" bson:"updated_at"`
}

// Status enumerates the lifecycle of a single generation (spec.md §3,
// "Generation" attributes).
type Status string

const (
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusAwaitingAuth     Status = "awaiting_auth"
	StatusPaused           Status = "paused"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
	StatusError            Status = "error"
)

// Terminal reports whether s is one of the three terminal statuses. Once a
// generation is terminal, CompletedAt is set and no further content-part
// mutation is permitted (spec.md §3 invariants).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusError:
		return true
	default:
		return false
	}
}

// ExecutionPolicy is the immutable per-generation configuration captured at
// admission time (spec.md §3, "Execution policy"; glossary).
type ExecutionPolicy struct {
	AllowedIntegrations       []string           `json:"allowed_integrations,omitempty" bson:"allowed_integrations,omitempty"`
	AllowedCustomIntegrations []string           `json:"allowed_custom_integrations,omitempty" bson:"allowed_custom_integrations,omitempty"`
	AutoApprove               bool               `json:"auto_approve" bson:"auto_approve"`
	SelectedPlatformSkills    []string           `json:"selected_platform_skills,omitempty" bson:"selected_platform_skills,omitempty"`
	QueuedFileAttachments     []FileAttachment   `json:"queued_file_attachments,omitempty" bson:"queued_file_attachments,omitempty"`
}

// FileAttachment references a file staged for a generation (uploaded user
// file or sandbox-produced output), identified by an opaque object-store
// key.
type FileAttachment struct {
	ID       string `json:"id" bson:"id"`
	Name     string `json:"name" bson:"name"`
	ObjectID string `json:"object_id" bson:"object_id"`
	MimeType string `json:"mime_type,omitempty" bson:"mime_type,omitempty"`
	SizeBytes int64 `json:"size_bytes,omitempty" bson:"size_bytes,omitempty"`
}

// Timing captures the duration of each generation phase for observability
// and for the "artifacts" payload attached to the terminal subscription
// event (spec.md §4.8).
type Timing struct {
	PreparationMs    int64 `json:"preparation_ms,omitempty" bson:"preparation_ms,omitempty"`
	PromptMs         int64 `json:"prompt_ms,omitempty" bson:"prompt_ms,omitempty"`
	PostProcessingMs int64 `json:"post_processing_ms,omitempty" bson:"post_processing_ms,omitempty"`
	TotalMs          int64 `json:"total_ms,omitempty" bson:"total_ms,omitempty"`
}

// Generation is one end-to-end run (spec.md §3, "Generation").
type Generation struct {
	ID              string           `json:"id" bson:"_id"`
	ConversationID  string           `json:"conversation_id" bson:"conversation_id"`
	Status          Status           `json:"status" bson:"status"`
	ContentParts    []ContentPart    `json:"content_parts" bson:"content_parts"`
	PendingApproval *PendingApproval `json:"pending_approval,omitempty" bson:"pending_approval,omitempty"`
	PendingAuth     *PendingAuth     `json:"pending_auth,omitempty" bson:"pending_auth,omitempty"`
	ExecutionPolicy ExecutionPolicy  `json:"execution_policy" bson:"execution_policy"`
	InputTokens     int              `json:"input_tokens" bson:"input_tokens"`
	OutputTokens    int              `json:"output_tokens" bson:"output_tokens"`
	Timing          Timing           `json:"timing" bson:"timing"`
	StartedAt       time.Time        `json:"started_at" bson:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	CancelRequestedAt *time.Time     `json:"cancel_requested_at,omitempty" bson:"cancel_requested_at,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty" bson:"error_message,omitempty"`
	SandboxID       string           `json:"sandbox_id,omitempty" bson:"sandbox_id,omitempty"`
	MessageID       string           `json:"message_id,omitempty" bson:"message_id,omitempty"`
	IsFinalizing    bool             `json:"is_finalizing,omitempty" bson:"is_finalizing,omitempty"`
	WorkflowRunID   string           `json:"workflow_run_id,omitempty" bson:"workflow_run_id,omitempty"`
}

// Valid reports whether the generation's (status, pending_approval,
// pending_auth) triple matches the invariant in spec.md §3 and §8:
// pending_approval is non-nil iff status is awaiting_approval, and
// pending_auth is non-nil iff status is awaiting_auth.
func (g *Generation) Valid() bool {
	if (g.PendingApproval != nil) != (g.Status == StatusAwaitingApproval) {
		return false
	}
	if (g.PendingAuth != nil) != (g.Status == StatusAwaitingAuth) {
		return false
	}
	return true
}

// ContentPartType tags the variant carried by a ContentPart (spec.md §3,
// "Content part").
type ContentPartType string

const (
	ContentPartText       ContentPartType = "text"
	ContentPartToolUse     ContentPartType = "tool_use"
	ContentPartToolResult  ContentPartType = "tool_result"
	ContentPartThinking    ContentPartType = "thinking"
	ContentPartApproval    ContentPartType = "approval"
	ContentPartSystem      ContentPartType = "system"
)

// ApprovalDecision records the outcome of a resolved approval request.
type ApprovalDecision string

const (
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalDenied   ApprovalDecision = "denied"
)

// ContentPart is one append-only tagged entry in a generation's output
// stream (spec.md §3). Exactly one of the type-specific payload fields is
// populated, selected by Type. ID identifies text/thinking parts for
// in-place reconciliation of cumulative provider updates (spec.md §5,
// "Ordering guarantees": "Two parts with the same id reconcile into one").
type ContentPart struct {
	Type ContentPartType `json:"type" bson:"type"`
	ID   string          `json:"id,omitempty" bson:"id,omitempty"`

	// text
	Text string `json:"text,omitempty" bson:"text,omitempty"`

	// tool_use
	ToolUseID   string          `json:"tool_use_id,omitempty" bson:"tool_use_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty" bson:"tool_name,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty" bson:"tool_input,omitempty"`
	Integration string          `json:"integration,omitempty" bson:"integration,omitempty"`
	Operation   string          `json:"operation,omitempty" bson:"operation,omitempty"`
	IsWrite     bool            `json:"is_write,omitempty" bson:"is_write,omitempty"`

	// tool_result (ToolUseID above is reused as the correlation key)
	ToolResultContent string `json:"tool_result_content,omitempty" bson:"tool_result_content,omitempty"`
	ToolResultError   string `json:"tool_result_error,omitempty" bson:"tool_result_error,omitempty"`

	// thinking (Content accumulates the full cumulative text; ID above
	// correlates against provider part IDs)
	Content string `json:"content,omitempty" bson:"content,omitempty"`

	// approval (ToolUseID/ToolName/ToolInput/Integration/Operation above
	// are reused)
	Command          string            `json:"command,omitempty" bson:"command,omitempty"`
	ApprovalStatus   ApprovalDecision  `json:"approval_status,omitempty" bson:"approval_status,omitempty"`
	QuestionAnswers  map[string]string `json:"question_answers,omitempty" bson:"question_answers,omitempty"`

	// system (Content above carries the marker text, e.g. "Interrupted by
	// user" or a SESSION_BOUNDARY marker)
}

// ProviderRequestKind distinguishes a permission prompt from a multi-choice
// question prompt, both of which are represented as a PendingApproval.
type ProviderRequestKind string

const (
	ProviderRequestPermission ProviderRequestKind = "permission"
	ProviderRequestQuestion   ProviderRequestKind = "question"
)

// PendingApproval is the suspend-awaiting-user payload stored on a
// generation while status is awaiting_approval (spec.md §3).
type PendingApproval struct {
	ToolUseID             string              `json:"tool_use_id" bson:"tool_use_id"`
	ToolName              string              `json:"tool_name" bson:"tool_name"`
	ToolInput             json.RawMessage     `json:"tool_input,omitempty" bson:"tool_input,omitempty"`
	RequestedAt           time.Time           `json:"requested_at" bson:"requested_at"`
	ExpiresAt             time.Time           `json:"expires_at" bson:"expires_at"`
	Integration           string              `json:"integration,omitempty" bson:"integration,omitempty"`
	Operation             string              `json:"operation,omitempty" bson:"operation,omitempty"`
	Command               string              `json:"command,omitempty" bson:"command,omitempty"`
	Decision              *ApprovalDecision   `json:"decision,omitempty" bson:"decision,omitempty"`
	QuestionAnswers       map[string]string   `json:"question_answers,omitempty" bson:"question_answers,omitempty"`
	ProviderRequestKind   ProviderRequestKind `json:"provider_request_kind,omitempty" bson:"provider_request_kind,omitempty"`
	ProviderRequestID     string              `json:"provider_request_id,omitempty" bson:"provider_request_id,omitempty"`
	ProviderDefaultAnswers map[string]string  `json:"provider_default_answers,omitempty" bson:"provider_default_answers,omitempty"`
}

// PendingAuth is the suspend-awaiting-OAuth payload stored on a generation
// while status is awaiting_auth (spec.md §3). Terminal-resolved when
// ConnectedIntegrations is a superset of Integrations.
type PendingAuth struct {
	Integrations          []string  `json:"integrations" bson:"integrations"`
	ConnectedIntegrations []string  `json:"connected_integrations,omitempty" bson:"connected_integrations,omitempty"`
	RequestedAt           time.Time `json:"requested_at" bson:"requested_at"`
	ExpiresAt             time.Time `json:"expires_at" bson:"expires_at"`
	Reason                string    `json:"reason,omitempty" bson:"reason,omitempty"`
}

// Resolved reports whether every requested integration has connected.
func (p *PendingAuth) Resolved() bool {
	connected := make(map[string]bool, len(p.ConnectedIntegrations))
	for _, i := range p.ConnectedIntegrations {
		connected[i] = true
	}
	for _, i := range p.Integrations {
		if !connected[i] {
			return false
		}
	}
	return true
}

// QueuedMessageStatus tracks the lifecycle of a buffered user turn.
type QueuedMessageStatus string

const (
	QueuedMessageQueued     QueuedMessageStatus = "queued"
	QueuedMessageProcessing QueuedMessageStatus = "processing"
	QueuedMessageSent       QueuedMessageStatus = "sent"
	QueuedMessageFailed     QueuedMessageStatus = "failed"
)

// QueuedMessage is a user-visible outgoing turn buffered while a prior
// turn is running (spec.md §3, "Queued message").
type QueuedMessage struct {
	ID                     string              `json:"id" bson:"_id"`
	ConversationID         string              `json:"conversation_id" bson:"conversation_id"`
	UserID                 string              `json:"user_id" bson:"user_id"`
	Content                string              `json:"content" bson:"content"`
	FileAttachments        []FileAttachment    `json:"file_attachments,omitempty" bson:"file_attachments,omitempty"`
	SelectedPlatformSkills []string            `json:"selected_platform_skills,omitempty" bson:"selected_platform_skills,omitempty"`
	Status                 QueuedMessageStatus `json:"status" bson:"status"`
	CreatedAt              time.Time           `json:"created_at" bson:"created_at"`
	UpdatedAt              time.Time           `json:"updated_at" bson:"updated_at"`
	GenerationID           string              `json:"generation_id,omitempty" bson:"generation_id,omitempty"`
	ErrorMessage           string              `json:"error_message,omitempty" bson:"error_message,omitempty"`
}

// MessageRole distinguishes who produced a persisted chat Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is a persisted chat turn (spec.md §3, "Message").
type Message struct {
	ID             string           `json:"id" bson:"_id"`
	ConversationID string           `json:"conversation_id" bson:"conversation_id"`
	Role           MessageRole      `json:"role" bson:"role"`
	Content        string           `json:"content" bson:"content"`
	ContentParts   []ContentPart    `json:"content_parts,omitempty" bson:"content_parts,omitempty"`
	InputTokens    int              `json:"input_tokens,omitempty" bson:"input_tokens,omitempty"`
	OutputTokens   int              `json:"output_tokens,omitempty" bson:"output_tokens,omitempty"`
	Timing         Timing           `json:"timing,omitempty" bson:"timing,omitempty"`
	Attachments    []FileAttachment `json:"attachments,omitempty" bson:"attachments,omitempty"`
	CreatedAt      time.Time        `json:"created_at" bson:"created_at"`
}
