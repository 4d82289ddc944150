// Package memstore is an in-memory store.Store implementation used by
// tests and the demo CLI. It is not a production backend: no data survives
// process restart, and it holds everything in a single mutex-guarded map
// set, grounded on the teacher's own in-memory reference store
// (runtime/agents/memory/inmem).
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/store"
)

// Store is a sync.RWMutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]model.Conversation
	generations   map[string]model.Generation
	messages      map[string]model.Message
	queued        map[string]model.QueuedMessage
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		conversations: make(map[string]model.Conversation),
		generations:   make(map[string]model.Generation),
		messages:      make(map[string]model.Message),
		queued:        make(map[string]model.QueuedMessage),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// -- conversations --

func (s *Store) InsertConversation(ctx context.Context, c model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; ok {
		return nil // idempotent create, mirrors the teacher's $setOnInsert semantics
	}
	s.conversations[c.ID] = c
	return nil
}

func (s *Store) FindConversation(ctx context.Context, id string) (model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return model.Conversation{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) UpdateConversation(ctx context.Context, id string, patch store.ConversationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	if patch.GenerationStatus != nil {
		c.GenerationStatus = *patch.GenerationStatus
	}
	if patch.CurrentGeneration != nil {
		c.CurrentGeneration = *patch.CurrentGeneration
	}
	if patch.AutoApprove != nil {
		c.AutoApprove = *patch.AutoApprove
	}
	if patch.SandboxID != nil {
		c.SandboxID = *patch.SandboxID
	}
	if patch.SessionID != nil {
		c.SessionID = *patch.SessionID
	}
	if patch.Title != nil {
		c.Title = *patch.Title
	}
	c.UpdatedAt = time.Now().UTC()
	s.conversations[id] = c
	return nil
}

// -- generations --

func (s *Store) InsertGeneration(ctx context.Context, g model.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.generations[g.ID]; ok {
		return nil
	}
	if g.Status != "" && !g.Status.Terminal() {
		for _, existing := range s.generations {
			if existing.ConversationID == g.ConversationID && !existing.Status.Terminal() {
				return store.ErrActiveGenerationExists
			}
		}
	}
	s.generations[g.ID] = g
	return nil
}

func (s *Store) FindGeneration(ctx context.Context, id string, withConversation bool) (model.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.generations[id]
	if !ok {
		return model.Generation{}, store.ErrNotFound
	}
	// withConversation is a hint for eager-join backends (mongostore); the
	// in-memory store always holds the full record already.
	_ = withConversation
	return g, nil
}

func (s *Store) FindActiveForConversation(ctx context.Context, conversationID string) (model.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.generations {
		if g.ConversationID == conversationID && !g.Status.Terminal() {
			return g, nil
		}
	}
	return model.Generation{}, store.ErrNotFound
}

func (s *Store) UpdateGeneration(ctx context.Context, id string, patch store.GenerationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok {
		return store.ErrNotFound
	}
	if patch.Status != nil {
		g.Status = *patch.Status
	}
	if len(patch.AppendContentParts) > 0 {
		g.ContentParts = append(g.ContentParts, patch.AppendContentParts...)
	}
	if patch.ReplaceContentPartAt != nil {
		r := patch.ReplaceContentPartAt
		if r.Index >= 0 && r.Index < len(g.ContentParts) {
			g.ContentParts[r.Index] = r.Part
		}
	}
	if patch.PendingApproval != nil {
		g.PendingApproval = *patch.PendingApproval
	}
	if patch.PendingAuth != nil {
		g.PendingAuth = *patch.PendingAuth
	}
	if patch.InputTokens != nil {
		g.InputTokens = *patch.InputTokens
	}
	if patch.OutputTokens != nil {
		g.OutputTokens = *patch.OutputTokens
	}
	if patch.Timing != nil {
		g.Timing = *patch.Timing
	}
	if patch.CompletedAt != nil {
		g.CompletedAt = patch.CompletedAt
	}
	if patch.CancelRequestedAt != nil {
		g.CancelRequestedAt = patch.CancelRequestedAt
	}
	if patch.ErrorMessage != nil {
		g.ErrorMessage = *patch.ErrorMessage
	}
	if patch.SandboxID != nil {
		g.SandboxID = *patch.SandboxID
	}
	if patch.MessageID != nil {
		g.MessageID = *patch.MessageID
	}
	if patch.IsFinalizing != nil {
		g.IsFinalizing = *patch.IsFinalizing
	}
	s.generations[id] = g
	return nil
}

// -- messages --

func (s *Store) InsertMessage(ctx context.Context, m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
	return nil
}

func (s *Store) FindMessage(ctx context.Context, id string) (model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, store.ErrNotFound
	}
	return m, nil
}

// -- queued messages --

func (s *Store) EnqueueQueuedMessage(ctx context.Context, qm model.QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[qm.ID] = qm
	return nil
}

func (s *Store) ListQueuedMessages(ctx context.Context, conversationID string) ([]model.QueuedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.QueuedMessage
	for _, qm := range s.queued {
		if qm.ConversationID == conversationID {
			out = append(out, qm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ClaimNextQueued(ctx context.Context, conversationID string) (model.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *model.QueuedMessage
	for id, qm := range s.queued {
		if qm.ConversationID != conversationID || qm.Status != model.QueuedMessageQueued {
			continue
		}
		if oldest == nil || qm.CreatedAt.Before(oldest.CreatedAt) {
			cp := s.queued[id]
			oldest = &cp
		}
	}
	if oldest == nil {
		return model.QueuedMessage{}, store.ErrNotFound
	}
	oldest.Status = model.QueuedMessageProcessing
	oldest.UpdatedAt = time.Now().UTC()
	s.queued[oldest.ID] = *oldest
	return *oldest, nil
}

func (s *Store) UpdateQueuedMessage(ctx context.Context, id string, patch store.QueuedMessagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	qm, ok := s.queued[id]
	if !ok {
		return store.ErrNotFound
	}
	if patch.Status != nil {
		qm.Status = *patch.Status
	}
	if patch.GenerationID != nil {
		qm.GenerationID = *patch.GenerationID
	}
	if patch.ErrorMessage != nil {
		qm.ErrorMessage = *patch.ErrorMessage
	}
	qm.UpdatedAt = time.Now().UTC()
	s.queued[id] = qm
	return nil
}

func (s *Store) RemoveQueuedMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queued[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.queued, id)
	return nil
}

// -- reaper --

func (s *Store) ReapStale(ctx context.Context, cutoffs store.StaleCutoffs, now time.Time) (store.StaleReapCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts store.StaleReapCounts
	for id, g := range s.generations {
		if g.Status.Terminal() {
			continue
		}
		var stale bool
		var terminal model.Status
		switch g.Status {
		case model.StatusRunning:
			stale = now.Sub(g.StartedAt) > cutoffs.Running
			terminal = model.StatusError
		case model.StatusAwaitingApproval:
			if g.PendingApproval != nil {
				stale = now.Sub(g.PendingApproval.RequestedAt) > cutoffs.AwaitingApproval
			}
			terminal = model.StatusCancelled
		case model.StatusAwaitingAuth:
			if g.PendingAuth != nil {
				stale = now.Sub(g.PendingAuth.RequestedAt) > cutoffs.AwaitingAuth
			}
			terminal = model.StatusCancelled
		case model.StatusPaused:
			stale = now.Sub(g.StartedAt) > cutoffs.Paused
			terminal = model.StatusCancelled
		}
		if !stale {
			continue
		}
		g.Status = terminal
		completedAt := now
		g.CompletedAt = &completedAt
		if terminal == model.StatusError {
			g.ErrorMessage = "reaped: generation exceeded maximum age for its status"
			counts.Errored++
		} else {
			counts.Cancelled++
		}
		s.generations[id] = g
	}
	return counts, nil
}
