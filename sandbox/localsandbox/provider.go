package localsandbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/genorch/orchestrator/sandbox"
)

// Provider is the reference sandbox.Provider: one directory per
// conversation under BaseDir, reused across generations within the same
// conversation (spec.md §4.4, "reused sandbox/session skip the
// created/creating lifecycle members").
type Provider struct {
	BaseDir   string
	Responder Responder // nil uses EchoResponder

	mu       sync.Mutex
	sandboxes map[string]*Dir // conversation_id -> workspace
}

// NewProvider constructs a Provider rooted at baseDir, creating it if
// necessary.
func NewProvider(baseDir string, responder Responder) (*Provider, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &Provider{BaseDir: baseDir, Responder: responder, sandboxes: make(map[string]*Dir)}, nil
}

func (p *Provider) GetOrCreateSession(ctx context.Context, req sandbox.SessionRequest, opts sandbox.GetOrCreateSessionOptions) (sandbox.Session, error) {
	report := func(stage sandbox.LifecycleStage) {
		if opts.OnLifecycle != nil {
			opts.OnLifecycle(stage, nil)
		}
	}

	report(sandbox.StageSandboxCheckingCache)
	p.mu.Lock()
	dir, reused := p.sandboxes[req.ConversationID]
	p.mu.Unlock()

	if reused {
		report(sandbox.StageSandboxReused)
	} else {
		root := filepath.Join(p.BaseDir, req.ConversationID)
		if err := os.MkdirAll(filepath.Join(root, "uploads"), 0o755); err != nil {
			return sandbox.Session{}, err
		}
		dir = &Dir{id: uuid.NewString(), Root: root}
		p.mu.Lock()
		p.sandboxes[req.ConversationID] = dir
		p.mu.Unlock()
		report(sandbox.StageSandboxCreated)
	}

	report(sandbox.StageAgentStarting)
	report(sandbox.StageAgentReady)

	sessionID := dir.id + ":" + req.GenerationID
	if opts.ReplayHistory {
		report(sandbox.StageSessionReused)
	} else {
		report(sandbox.StageSessionCreating)
	}
	client := NewClient(dir, sessionID, p.Responder)
	report(sandbox.StageSessionInitCompleted)

	return sandbox.Session{Client: client, SessionID: sessionID, Sandbox: dir}, nil
}
