// Package mongostore is the MongoDB-backed store.Store implementation,
// grounded on features/session/mongo/clients/mongo/client.go's collection
// wrapper, idempotent $setOnInsert create pattern, and health.Pinger
// integration, generalized from the session/run pair to the full
// conversation/generation/message/queued-message surface spec.md §4.1
// requires.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/store"
)

const (
	defaultConversationsCollection = "orch_conversations"
	defaultGenerationsCollection   = "orch_generations"
	defaultMessagesCollection      = "orch_messages"
	defaultQueuedCollection        = "orch_queued_messages"
	defaultOpTimeout               = 5 * time.Second
)

// Options configures the Mongo-backed store.
type Options struct {
	Client                 *mongodriver.Client
	Database               string
	ConversationsCollection string
	GenerationsCollection   string
	MessagesCollection      string
	QueuedCollection        string
	Timeout                 time.Duration
}

// Store is a store.Store backed by MongoDB collections.
type Store struct {
	client        *mongodriver.Client
	conversations *mongodriver.Collection
	generations   *mongodriver.Collection
	messages      *mongodriver.Collection
	queued        *mongodriver.Collection
	timeout       time.Duration
}

// New connects the collections named in opts and ensures their indexes.
// opts.Client must already be connected.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	name := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		client:        opts.Client,
		conversations: db.Collection(name(opts.ConversationsCollection, defaultConversationsCollection)),
		generations:   db.Collection(name(opts.GenerationsCollection, defaultGenerationsCollection)),
		messages:      db.Collection(name(opts.MessagesCollection, defaultMessagesCollection)),
		queued:        db.Collection(name(opts.QueuedCollection, defaultQueuedCollection)),
		timeout:       opts.Timeout,
	}
	if s.timeout <= 0 {
		s.timeout = defaultOpTimeout
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	// A conversation has at most one non-terminal generation at a time
	// (spec.md §3); this partial index enforces that invariant at the
	// database layer as a backstop to the application-level check.
	_, err := s.generations.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}}},
		{
			Keys: bson.D{{Key: "conversation_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{
				"status": bson.M{"$nin": []string{
					string(model.StatusCompleted), string(model.StatusCancelled), string(model.StatusError),
				}},
			}),
		},
	})
	if err != nil {
		return err
	}
	_, err = s.queued.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	return err
}

// Name satisfies goa.design/clue/health.Pinger.
func (s *Store) Name() string { return "orchestrator-mongostore" }

func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

var _ store.Store = (*Store)(nil)

// -- conversations --

func (s *Store) InsertConversation(ctx context.Context, c model.Conversation) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": c.ID},
		bson.M{"$setOnInsert": c},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (s *Store) FindConversation(ctx context.Context, id string) (model.Conversation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var c model.Conversation
	if err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return model.Conversation{}, store.ErrNotFound
		}
		return model.Conversation{}, err
	}
	return c, nil
}

func (s *Store) UpdateConversation(ctx context.Context, id string, patch store.ConversationPatch) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	set := bson.M{"updated_at": time.Now().UTC()}
	if patch.GenerationStatus != nil {
		set["generation_status"] = *patch.GenerationStatus
	}
	if patch.CurrentGeneration != nil {
		set["current_generation_id"] = *patch.CurrentGeneration
	}
	if patch.AutoApprove != nil {
		set["auto_approve"] = *patch.AutoApprove
	}
	if patch.SandboxID != nil {
		set["sandbox_id"] = *patch.SandboxID
	}
	if patch.SessionID != nil {
		set["session_id"] = *patch.SessionID
	}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	res, err := s.conversations.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// -- generations --

func (s *Store) InsertGeneration(ctx context.Context, g model.Generation) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.generations.UpdateOne(ctx,
		bson.M{"_id": g.ID},
		bson.M{"$setOnInsert": g},
		options.UpdateOne().SetUpsert(true),
	)
	if mongodriver.IsDuplicateKeyError(err) {
		return store.ErrActiveGenerationExists
	}
	return err
}

func (s *Store) FindGeneration(ctx context.Context, id string, withConversation bool) (model.Generation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var g model.Generation
	if err := s.generations.FindOne(ctx, bson.M{"_id": id}).Decode(&g); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return model.Generation{}, store.ErrNotFound
		}
		return model.Generation{}, err
	}
	_ = withConversation // single-document store; conversation is a separate lookup
	return g, nil
}

func (s *Store) FindActiveForConversation(ctx context.Context, conversationID string) (model.Generation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"conversation_id": conversationID,
		"status": bson.M{"$nin": []string{
			string(model.StatusCompleted), string(model.StatusCancelled), string(model.StatusError),
		}},
	}
	var g model.Generation
	if err := s.generations.FindOne(ctx, filter).Decode(&g); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return model.Generation{}, store.ErrNotFound
		}
		return model.Generation{}, err
	}
	return g, nil
}

func (s *Store) UpdateGeneration(ctx context.Context, id string, patch store.GenerationPatch) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	set := bson.M{}
	push := bson.M{}
	if patch.Status != nil {
		set["status"] = *patch.Status
	}
	if len(patch.AppendContentParts) > 0 {
		push["content_parts"] = bson.M{"$each": patch.AppendContentParts}
	}
	if patch.PendingApproval != nil {
		set["pending_approval"] = *patch.PendingApproval
	}
	if patch.PendingAuth != nil {
		set["pending_auth"] = *patch.PendingAuth
	}
	if patch.InputTokens != nil {
		set["input_tokens"] = *patch.InputTokens
	}
	if patch.OutputTokens != nil {
		set["output_tokens"] = *patch.OutputTokens
	}
	if patch.Timing != nil {
		set["timing"] = *patch.Timing
	}
	if patch.CompletedAt != nil {
		set["completed_at"] = *patch.CompletedAt
	}
	if patch.CancelRequestedAt != nil {
		set["cancel_requested_at"] = *patch.CancelRequestedAt
	}
	if patch.ErrorMessage != nil {
		set["error_message"] = *patch.ErrorMessage
	}
	if patch.SandboxID != nil {
		set["sandbox_id"] = *patch.SandboxID
	}
	if patch.MessageID != nil {
		set["message_id"] = *patch.MessageID
	}
	if patch.IsFinalizing != nil {
		set["is_finalizing"] = *patch.IsFinalizing
	}

	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(push) > 0 {
		update["$push"] = push
	}
	if len(update) == 0 && patch.ReplaceContentPartAt == nil {
		return nil
	}
	if len(update) > 0 {
		res, err := s.generations.UpdateOne(ctx, bson.M{"_id": id}, update)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return store.ErrNotFound
		}
	}
	if r := patch.ReplaceContentPartAt; r != nil {
		key := "content_parts." + itoa(r.Index)
		res, err := s.generations.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{key: r.Part}})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return store.ErrNotFound
		}
	}
	return nil
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// -- messages --

func (s *Store) InsertMessage(ctx context.Context, m model.Message) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.messages.InsertOne(ctx, m)
	return err
}

func (s *Store) FindMessage(ctx context.Context, id string) (model.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var m model.Message
	if err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return model.Message{}, store.ErrNotFound
		}
		return model.Message{}, err
	}
	return m, nil
}

// -- queued messages --

func (s *Store) EnqueueQueuedMessage(ctx context.Context, qm model.QueuedMessage) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.queued.InsertOne(ctx, qm)
	return err
}

func (s *Store) ListQueuedMessages(ctx context.Context, conversationID string) ([]model.QueuedMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.queued.Find(ctx, bson.M{"conversation_id": conversationID}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []model.QueuedMessage
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ClaimNextQueued(ctx context.Context, conversationID string) (model.QueuedMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"conversation_id": conversationID, "status": model.QueuedMessageQueued}
	update := bson.M{"$set": bson.M{"status": model.QueuedMessageProcessing, "updated_at": time.Now().UTC()}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)
	var qm model.QueuedMessage
	if err := s.queued.FindOneAndUpdate(ctx, filter, update, opts).Decode(&qm); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return model.QueuedMessage{}, store.ErrNotFound
		}
		return model.QueuedMessage{}, err
	}
	return qm, nil
}

func (s *Store) UpdateQueuedMessage(ctx context.Context, id string, patch store.QueuedMessagePatch) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	set := bson.M{"updated_at": time.Now().UTC()}
	if patch.Status != nil {
		set["status"] = *patch.Status
	}
	if patch.GenerationID != nil {
		set["generation_id"] = *patch.GenerationID
	}
	if patch.ErrorMessage != nil {
		set["error_message"] = *patch.ErrorMessage
	}
	res, err := s.queued.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RemoveQueuedMessage(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.queued.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// -- reaper --

func (s *Store) ReapStale(ctx context.Context, cutoffs store.StaleCutoffs, now time.Time) (store.StaleReapCounts, error) {
	var counts store.StaleReapCounts
	runningCut := now.Add(-cutoffs.Running)
	res, err := s.generations.UpdateMany(ctx,
		bson.M{"status": model.StatusRunning, "started_at": bson.M{"$lt": runningCut}},
		bson.M{"$set": bson.M{
			"status":        model.StatusError,
			"completed_at":  now,
			"error_message": "reaped: generation exceeded maximum age for its status",
		}},
	)
	if err != nil {
		return counts, err
	}
	counts.Errored = int(res.ModifiedCount)

	pausedCut := now.Add(-cutoffs.Paused)
	approvalCut := now.Add(-cutoffs.AwaitingApproval)
	authCut := now.Add(-cutoffs.AwaitingAuth)
	cancelFilter := bson.M{"$or": []bson.M{
		{"status": model.StatusPaused, "started_at": bson.M{"$lt": pausedCut}},
		{"status": model.StatusAwaitingApproval, "pending_approval.requested_at": bson.M{"$lt": approvalCut}},
		{"status": model.StatusAwaitingAuth, "pending_auth.requested_at": bson.M{"$lt": authCut}},
	}}
	res, err = s.generations.UpdateMany(ctx, cancelFilter, bson.M{"$set": bson.M{
		"status":       model.StatusCancelled,
		"completed_at": now,
	}})
	if err != nil {
		return counts, err
	}
	counts.Cancelled = int(res.ModifiedCount)
	return counts, nil
}
