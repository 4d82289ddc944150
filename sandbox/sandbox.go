// Package sandbox declares the Sandbox/Agent Session Provider contract
// (spec.md §4.4): the external collaborator that runs a conversational
// agent inside an isolated workspace and streams its raw events back. The
// orchestrator core depends only on this interface, never on a concrete
// provider SDK — grounded on mfateev-temporal-agent-harness's
// internal/execsession process wrapper for the reference implementation
// shape, generalized from a single exec session to the richer
// session/client/sandbox trio the spec requires.
package sandbox

import (
	"context"
	"time"

	"github.com/genorch/orchestrator/providerevent"
)

// LifecycleStage names a step of sandbox/session bring-up reported via
// GetOrCreateSessionOptions.OnLifecycle. Stages must arrive in this
// logical order (spec.md §4.4), though a reused sandbox/session skips the
// "created"/"creating" members of each pair.
type LifecycleStage string

const (
	StageSandboxCheckingCache  LifecycleStage = "sandbox_checking_cache"
	StageSandboxReused         LifecycleStage = "sandbox_reused"
	StageSandboxCreated        LifecycleStage = "sandbox_created"
	StageAgentStarting         LifecycleStage = "opencode_starting"
	StageAgentReady            LifecycleStage = "opencode_ready"
	StageSessionCreating       LifecycleStage = "session_creating"
	StageSessionReused         LifecycleStage = "session_reused"
	StageSessionInitCompleted  LifecycleStage = "session_init_completed"
)

// Credentials carries the per-generation secrets a provider needs to act
// on the user's behalf (opaque to the orchestrator core).
type Credentials struct {
	IntegrationTokens map[string]string
}

// SessionRequest identifies the conversation/generation/user a session is
// being created or resumed for.
type SessionRequest struct {
	ConversationID  string
	GenerationID    string
	UserID          string
	Credentials     Credentials
	IntegrationEnv  map[string]string
}

// GetOrCreateSessionOptions controls how GetOrCreateSession behaves.
type GetOrCreateSessionOptions struct {
	Title         string
	ReplayHistory bool
	OnLifecycle   func(stage LifecycleStage, details map[string]any)
}

// Session bundles the provider client and sandbox handle GetOrCreateSession
// returns.
type Session struct {
	Client    Client
	SessionID string
	Sandbox   Sandbox
}

// Provider creates or reuses a sandbox + chat session for a generation.
type Provider interface {
	GetOrCreateSession(ctx context.Context, req SessionRequest, opts GetOrCreateSessionOptions) (Session, error)
}

// PromptImage is an inline image attached to a prompt.
type PromptImage struct {
	MimeType string
	Data     []byte
}

// PromptParts is the content the orchestrator sends for one turn.
type PromptParts struct {
	Text         string
	Images       []PromptImage
	StagedFiles  []string // paths already written under /home/user/uploads/{name}
}

// PromptRequest carries one turn's content and model selection.
type PromptRequest struct {
	SessionID string
	Parts     PromptParts
	System    string
	Model     string
}

// PermissionReply answers a pending permission request.
type PermissionReply string

const (
	PermissionAlways PermissionReply = "always"
	PermissionReject PermissionReply = "reject"
)

// Client is the per-session handle the Generation Runner drives.
type Client interface {
	// Subscribe opens the single event stream for this session. The
	// stream ends when cancel is closed or ctx is done; idle and error
	// states arrive as events on it.
	Subscribe(ctx context.Context, cancel <-chan struct{}) (<-chan providerevent.ProviderEvent, error)
	// Prompt sends one turn and resolves once the provider finishes
	// producing; callers must consume the event stream concurrently
	// (spec.md §4.4: "must be awaited in parallel with event stream
	// consumption").
	Prompt(ctx context.Context, req PromptRequest) error
	// Abort best-effort cancels an in-flight prompt.
	Abort(ctx context.Context, sessionID string) error

	ReplyPermission(ctx context.Context, requestID string, reply PermissionReply) error
	ReplyQuestion(ctx context.Context, requestID string, answers map[string]string) error
	RejectQuestion(ctx context.Context, requestID string) error
}

// CommandResult is the outcome of Commands.Run.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CommandOptions configures Commands.Run.
type CommandOptions struct {
	Timeout time.Duration
	Env     map[string]string
}

// Files is the sandbox's file-access surface.
type Files interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, content []byte) error
}

// Commands is the sandbox's process-execution surface.
type Commands interface {
	Run(ctx context.Context, cmd []string, opts CommandOptions) (CommandResult, error)
}

// Sandbox is the isolated workspace backing a session.
type Sandbox interface {
	ID() string
	Files() Files
	Commands() Commands
}
