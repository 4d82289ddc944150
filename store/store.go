// Package store defines the Durable Store Adapter (spec.md §4.1): typed,
// atomic read/write access to generation, conversation, message, and
// queued-message records. The store is the only source of truth in the
// system — in-memory state kept by other packages (the Generation Runner's
// active-context map, the Subscription Stream's dedup counters) is a soft
// cache only, and correctness never depends on it (spec.md §5, "Shared
// resources").
package store

import (
	"context"
	"errors"
	"time"

	"github.com/genorch/orchestrator/model"
)

// Sentinel errors returned by Store implementations. Callers distinguish
// these with errors.Is; see spec.md §7 for the broader error taxonomy.
var (
	// ErrNotFound indicates no record exists for the given identifier.
	ErrNotFound = errors.New("store: not found")
	// ErrActiveGenerationExists indicates a conversation already has a
	// generation in a non-terminal status (spec.md §3 invariant: "A
	// conversation has at most one generation in a non-terminal status at
	// any instant").
	ErrActiveGenerationExists = errors.New("store: active generation already exists for conversation")
	// ErrConflict indicates a compare-and-set style update did not apply
	// because the record's state no longer matched the caller's
	// expectation (e.g. claiming a queued message that was already
	// claimed).
	ErrConflict = errors.New("store: conflict")
)

// GenerationPatch carries a partial update to a Generation record. Only
// non-nil fields are applied; UpdateGeneration implementations must apply
// the patch atomically.
type GenerationPatch struct {
	Status            *model.Status
	AppendContentParts []model.ContentPart
	ReplaceContentPartAt *ContentPartReplace
	PendingApproval   **model.PendingApproval // pointer-to-pointer: non-nil means "set this field", inner nil means "clear it"
	PendingAuth       **model.PendingAuth
	InputTokens       *int
	OutputTokens      *int
	Timing            *model.Timing
	CompletedAt       *time.Time
	CancelRequestedAt *time.Time
	ErrorMessage      *string
	SandboxID         *string
	MessageID         *string
	IsFinalizing      *bool
}

// ContentPartReplace reconciles a content part already present at Index
// with Part in place, used when a provider delta updates an existing
// text/thinking part by id (spec.md §5, "Ordering guarantees").
type ContentPartReplace struct {
	Index int
	Part  model.ContentPart
}

// ConversationPatch carries a partial update to a Conversation record.
type ConversationPatch struct {
	GenerationStatus  *model.GenerationStatus
	CurrentGeneration *string
	AutoApprove       *bool
	SandboxID         *string
	SessionID         *string
	Title             *string
}

// Store is the typed interface every orchestrator component uses to read
// and write durable state. Every mutating method must be atomic from the
// caller's perspective; implementations backed by a single-document
// database (Mongo) should use field-scoped `$set`/array-push updates
// rather than read-modify-write round trips.
type Store interface {
	// Conversations.

	InsertConversation(ctx context.Context, c model.Conversation) error
	FindConversation(ctx context.Context, id string) (model.Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error

	// Generations.

	InsertGeneration(ctx context.Context, g model.Generation) error
	// FindGeneration loads a generation. When withConversation is true,
	// implementations may eagerly join/attach the parent conversation,
	// matching spec.md §4.1's find_generation(id, with_conversation?).
	FindGeneration(ctx context.Context, id string, withConversation bool) (model.Generation, error)
	// FindActiveForConversation returns the single non-terminal generation
	// for a conversation, or ErrNotFound if none exists.
	FindActiveForConversation(ctx context.Context, conversationID string) (model.Generation, error)
	UpdateGeneration(ctx context.Context, id string, patch GenerationPatch) error

	// Messages.

	InsertMessage(ctx context.Context, m model.Message) error
	FindMessage(ctx context.Context, id string) (model.Message, error)

	// Queued messages.

	EnqueueQueuedMessage(ctx context.Context, qm model.QueuedMessage) error
	ListQueuedMessages(ctx context.Context, conversationID string) ([]model.QueuedMessage, error)
	// ClaimNextQueued atomically transitions the oldest `queued` row for
	// conversationID to `processing` (compare-and-set on status) and
	// returns it. Returns ErrNotFound if no queued row remains.
	ClaimNextQueued(ctx context.Context, conversationID string) (model.QueuedMessage, error)
	UpdateQueuedMessage(ctx context.Context, id string, patch QueuedMessagePatch) error
	RemoveQueuedMessage(ctx context.Context, id string) error

	// ReapStale scans for non-terminal generations whose StartedAt (for
	// running/paused) or pending request's RequestedAt (for awaiting_*)
	// predates the matching cutoff in olderThan, finalizing each as
	// described in spec.md §5 ("Stale generation reaper"). Returns the
	// number of generations transitioned per terminal status.
	ReapStale(ctx context.Context, olderThan StaleCutoffs, now time.Time) (StaleReapCounts, error)

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error
}

// QueuedMessagePatch carries a partial update to a QueuedMessage record.
type QueuedMessagePatch struct {
	Status       *model.QueuedMessageStatus
	GenerationID *string
	ErrorMessage *string
}

// StaleCutoffs configures the age thresholds used by ReapStale, matching
// spec.md §5's per-status reaper windows.
type StaleCutoffs struct {
	Running          time.Duration
	AwaitingApproval time.Duration
	AwaitingAuth     time.Duration
	Paused           time.Duration
}

// DefaultStaleCutoffs returns the cutoffs named in spec.md §5.
func DefaultStaleCutoffs() StaleCutoffs {
	return StaleCutoffs{
		Running:          6 * time.Hour,
		AwaitingApproval: 30 * time.Minute,
		AwaitingAuth:     60 * time.Minute,
		Paused:           60 * time.Minute,
	}
}

// StaleReapCounts reports how many generations the reaper transitioned,
// broken down by the terminal status it assigned.
type StaleReapCounts struct {
	Errored   int // running -> error
	Cancelled int // awaiting_approval/awaiting_auth/paused -> cancelled
}
