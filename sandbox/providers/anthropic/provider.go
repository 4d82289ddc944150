package anthropic

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/genorch/orchestrator/sandbox"
	"github.com/genorch/orchestrator/sandbox/localsandbox"
)

// Provider is a sandbox.Provider backed by the Anthropic Messages API: one
// Client (and history) per conversation, reused across generations the
// same way localsandbox.Provider reuses its Dir, paired with a local
// directory for file tool results (the Messages API itself has no
// workspace notion of its own).
type Provider struct {
	BaseDir string
	APIKey  string
	Opts    Options

	mu      sync.Mutex
	dirs    map[string]*localsandbox.Dir
	clients map[string]*Client
}

// NewProvider constructs a Provider rooted at baseDir. Each new
// conversation gets its own Client via NewFromAPIKey.
func NewProvider(baseDir, apiKey string, opts Options) (*Provider, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &Provider{
		BaseDir: baseDir,
		APIKey:  apiKey,
		Opts:    opts,
		dirs:    make(map[string]*localsandbox.Dir),
		clients: make(map[string]*Client),
	}, nil
}

func (p *Provider) GetOrCreateSession(ctx context.Context, req sandbox.SessionRequest, opts sandbox.GetOrCreateSessionOptions) (sandbox.Session, error) {
	report := func(stage sandbox.LifecycleStage) {
		if opts.OnLifecycle != nil {
			opts.OnLifecycle(stage, nil)
		}
	}

	report(sandbox.StageSandboxCheckingCache)
	p.mu.Lock()
	dir, dirReused := p.dirs[req.ConversationID]
	p.mu.Unlock()
	if dirReused {
		report(sandbox.StageSandboxReused)
	} else {
		root := filepath.Join(p.BaseDir, req.ConversationID)
		if err := os.MkdirAll(filepath.Join(root, "uploads"), 0o755); err != nil {
			return sandbox.Session{}, err
		}
		dir = &localsandbox.Dir{Root: root}
		p.mu.Lock()
		p.dirs[req.ConversationID] = dir
		p.mu.Unlock()
		report(sandbox.StageSandboxCreated)
	}

	report(sandbox.StageAgentStarting)

	p.mu.Lock()
	client, clientReused := p.clients[req.ConversationID]
	p.mu.Unlock()
	if !clientReused {
		var err error
		client, err = NewFromAPIKey(p.APIKey, p.Opts)
		if err != nil {
			return sandbox.Session{}, err
		}
		p.mu.Lock()
		p.clients[req.ConversationID] = client
		p.mu.Unlock()
	}
	report(sandbox.StageAgentReady)

	sessionID := req.ConversationID + ":" + req.GenerationID
	if opts.ReplayHistory {
		report(sandbox.StageSessionReused)
	} else {
		report(sandbox.StageSessionCreating)
	}
	report(sandbox.StageSessionInitCompleted)

	return sandbox.Session{Client: client, SessionID: sessionID, Sandbox: dir}, nil
}
