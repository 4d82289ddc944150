// Package approval implements the Pending-Approval/Auth Manager (spec.md
// §4.6): writing pause-for-user-input state, polling for its resolution,
// handling timeouts, and the auto-approval policy. Generalized from
// runtime/agent/interrupt.Controller's Temporal signal pause/resume model
// to the store+queue+poll model spec.md mandates — this package's
// WriteApprovalRequest/WaitForApprovalDecision pair plays the role the teacher's
// PollPause/WaitResume pair plays, but against durable state instead of a
// workflow signal channel.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/providerevent"
	"github.com/genorch/orchestrator/queue"
	"github.com/genorch/orchestrator/store"
	"github.com/genorch/orchestrator/telemetry"
)

// Errors returned by Manager methods.
var (
	ErrAccessDenied  = errors.New("approval: caller does not own this generation")
	ErrNoMatch       = errors.New("approval: tool_use_id does not match pending request")
	ErrNotAwaiting   = errors.New("approval: generation is not awaiting a decision")
)

// resolvePollInterval is the cadence WaitForApproval/WaitForAuth poll
// durable state at (spec.md §4.6: "poll durable state every 400 ms").
const resolvePollInterval = 400 * time.Millisecond

// Policy configures auto-approval behavior (spec.md §4.6, "Auto-approval
// rules"; Open Question #1 in spec.md §9 — the decision taken is recorded
// in SPEC_FULL.md §12: the narrower "Slack send only" exemption).
type Policy struct {
	// UploadsAutoApprovePrefixes lists filesystem prefixes an "external
	// directory" permission request may be entirely contained in to
	// auto-approve without a user prompt.
	UploadsAutoApprovePrefixes []string
}

// DefaultPolicy matches spec.md §4.6's baseline rule set.
func DefaultPolicy() Policy {
	return Policy{UploadsAutoApprovePrefixes: []string{"/home/user/uploads"}}
}

// Manager owns the write/resolve/timeout/submit paths for pending
// approval and auth requests.
type Manager struct {
	store  store.Store
	queue  queue.Client
	logger telemetry.Logger
	policy Policy

	approvalTimeout time.Duration
	authTimeout     time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

func WithPolicy(p Policy) Option          { return func(m *Manager) { m.policy = p } }
func WithApprovalTimeout(d time.Duration) Option { return func(m *Manager) { m.approvalTimeout = d } }
func WithAuthTimeout(d time.Duration) Option     { return func(m *Manager) { m.authTimeout = d } }
func WithLogger(l telemetry.Logger) Option       { return func(m *Manager) { m.logger = l } }

// New constructs a Manager.
func New(st store.Store, q queue.Client, opts ...Option) *Manager {
	m := &Manager{
		store:           st,
		queue:           q,
		logger:          telemetry.NoopLogger{},
		policy:          DefaultPolicy(),
		approvalTimeout: 300 * time.Second,
		authTimeout:     600 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AutoApprove reports whether a tool-use permission request can skip the
// pending-approval surface entirely, per spec.md §4.6's "Auto-approval
// rules".
func (m *Manager) AutoApprove(autoApprove bool, toolName string, toolInput json.RawMessage) bool {
	if !autoApprove {
		return false
	}
	return !providerevent.IsSlackSend(toolName, toolInput)
}

// AutoApproveExternalDirectory reports whether a provider "external
// directory" permission whose patterns all lie under a configured prefix
// auto-approves without a prompt (spec.md §4.6, second auto-approval
// rule).
func (m *Manager) AutoApproveExternalDirectory(patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, p := range patterns {
		matched := false
		for _, prefix := range m.policy.UploadsAutoApprovePrefixes {
			if strings.HasPrefix(p, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// WriteApprovalRequest persists a PendingApproval, mirrors conversation
// status, and enqueues the timeout job, returning the first error met
// (spec.md §4.6, "Write path").
func (m *Manager) WriteApprovalRequest(ctx context.Context, generationID, conversationID string, req model.PendingApproval, now time.Time) error {
	req.RequestedAt = now
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = now.Add(m.approvalTimeout)
	}
	status := model.StatusAwaitingApproval
	genStatus := model.GenerationStatusAwaitingApproval
	pending := &req
	if err := m.store.UpdateGeneration(ctx, generationID, store.GenerationPatch{
		Status:          &status,
		PendingApproval: &pending,
	}); err != nil {
		return err
	}
	if err := m.store.UpdateConversation(ctx, conversationID, store.ConversationPatch{
		GenerationStatus: &genStatus,
	}); err != nil {
		return err
	}
	return m.queue.Enqueue(ctx, queue.JobGenerationTimeoutApproval, timeoutPayload{GenerationID: generationID}, queue.EnqueueOptions{
		JobID: "approval-timeout:" + generationID,
		Delay: req.ExpiresAt.Sub(now),
	})
}

// WriteAuthRequest is the auth-path analogue of WriteApprovalRequest.
func (m *Manager) WriteAuthRequest(ctx context.Context, generationID, conversationID string, req model.PendingAuth, now time.Time) error {
	req.RequestedAt = now
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = now.Add(m.authTimeout)
	}
	status := model.StatusAwaitingAuth
	genStatus := model.GenerationStatusAwaitingAuth
	pending := &req
	if err := m.store.UpdateGeneration(ctx, generationID, store.GenerationPatch{
		Status:      &status,
		PendingAuth: &pending,
	}); err != nil {
		return err
	}
	if err := m.store.UpdateConversation(ctx, conversationID, store.ConversationPatch{
		GenerationStatus: &genStatus,
	}); err != nil {
		return err
	}
	return m.queue.Enqueue(ctx, queue.JobGenerationTimeoutAuth, timeoutPayload{GenerationID: generationID}, queue.EnqueueOptions{
		JobID: "auth-timeout:" + generationID,
		Delay: req.ExpiresAt.Sub(now),
	})
}

type timeoutPayload struct {
	GenerationID string `json:"generation_id"`
}

// Decision is the outcome WaitForApprovalDecision/WaitForAuthResolution
// return once a pending request resolves.
type Decision struct {
	Approved bool
	Denied   bool
	// Reconciled is true when the decision was inferred from another
	// process having already resolved the request (spec.md §4.6:
	// "treat it as reconciled").
	Reconciled bool
}

// WaitForApprovalDecision polls durable state every 400ms until the
// generation's pending_approval resolves, its expiry passes, or ctx is
// cancelled (spec.md §4.6, "Resolve path").
func (m *Manager) WaitForApprovalDecision(ctx context.Context, generationID, toolUseID string) (Decision, error) {
	ticker := time.NewTicker(resolvePollInterval)
	defer ticker.Stop()
	for {
		g, err := m.store.FindGeneration(ctx, generationID, false)
		if err != nil {
			return Decision{}, err
		}
		if g.CancelRequestedAt != nil || g.Status == model.StatusCancelled || g.Status == model.StatusError {
			return Decision{Denied: true}, nil
		}
		if g.PendingApproval == nil || g.PendingApproval.ToolUseID != toolUseID {
			// Another process resolved (or superseded) this request;
			// reconcile from the generation's current status.
			return Decision{
				Approved:   g.Status == model.StatusRunning,
				Denied:     g.Status != model.StatusRunning,
				Reconciled: true,
			}, nil
		}
		if d := g.PendingApproval.Decision; d != nil {
			return Decision{Approved: *d == model.ApprovalApproved, Denied: *d == model.ApprovalDenied}, nil
		}
		if !time.Now().Before(g.PendingApproval.ExpiresAt) {
			return Decision{Denied: true}, nil
		}
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForAuthResolution polls until the generation's pending_auth
// resolves (every connected integration requested has connected), the
// request's deadline passes, or ctx is cancelled.
func (m *Manager) WaitForAuthResolution(ctx context.Context, generationID string) (Decision, error) {
	ticker := time.NewTicker(resolvePollInterval)
	defer ticker.Stop()
	for {
		g, err := m.store.FindGeneration(ctx, generationID, false)
		if err != nil {
			return Decision{}, err
		}
		if g.CancelRequestedAt != nil || g.Status == model.StatusCancelled || g.Status == model.StatusError {
			return Decision{Denied: true}, nil
		}
		if g.PendingAuth == nil {
			return Decision{Approved: true, Reconciled: true}, nil
		}
		if g.PendingAuth.Resolved() {
			return Decision{Approved: true}, nil
		}
		if !time.Now().Before(g.PendingAuth.ExpiresAt) {
			return Decision{Denied: true}, nil
		}
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SubmitApproval records a user's decision on a pending approval (spec.md
// §4.6, "Submit approval path" — external-facing). It does not itself
// transition the generation's status; the runner does that (status back
// to running, pending_approval cleared) once WaitForApprovalDecision
// returns the decision.
func (m *Manager) SubmitApproval(ctx context.Context, generationID, callerUserID, toolUseID string, decision model.ApprovalDecision, questionAnswers map[string]string) error {
	g, err := m.store.FindGeneration(ctx, generationID, true)
	if err != nil {
		return err
	}
	conv, err := m.store.FindConversation(ctx, g.ConversationID)
	if err != nil {
		return err
	}
	if conv.OwnerUserID != callerUserID {
		return ErrAccessDenied
	}
	if g.PendingApproval == nil || g.PendingApproval.ToolUseID != toolUseID {
		return ErrNoMatch
	}
	answers := normalizeAnswers(questionAnswers)
	updated := *g.PendingApproval
	updated.Decision = &decision
	updated.QuestionAnswers = answers
	pending := &updated
	return m.store.UpdateGeneration(ctx, generationID, store.GenerationPatch{PendingApproval: &pending})
}

// normalizeAnswers trims whitespace and drops empty entries (spec.md
// §4.6: "Normalizes question_answers by trimming and dropping empties").
func normalizeAnswers(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ConnectIntegration records that integration has completed OAuth for a
// generation awaiting auth, appending it to connected_integrations.
func (m *Manager) ConnectIntegration(ctx context.Context, generationID, integration string) error {
	g, err := m.store.FindGeneration(ctx, generationID, false)
	if err != nil {
		return err
	}
	if g.PendingAuth == nil {
		return ErrNotAwaiting
	}
	updated := *g.PendingAuth
	for _, existing := range updated.ConnectedIntegrations {
		if existing == integration {
			return nil
		}
	}
	updated.ConnectedIntegrations = append(updated.ConnectedIntegrations, integration)
	pending := &updated
	return m.store.UpdateGeneration(ctx, generationID, store.GenerationPatch{PendingAuth: &pending})
}
