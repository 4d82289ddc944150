// Package queue implements the Queue Client (spec.md §4.3): at-least-once,
// deduplicated, optionally-delayed job delivery that the Generation Runner
// and orchestrator use instead of bespoke in-process retry logic. Grounded
// on the same Redis-wrapper style as package lease
// (features/stream/pulse/clients/pulse/client.go); jobs live in a Redis
// sorted set keyed by ready-at unix-ms with a companion dedup hash on
// job_id, since the retrieved pack's Pulse package exposes a pub/sub
// stream abstraction rather than a delayed/deduped work queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Job names used across the orchestrator (spec.md §4.3, §4.7, §4.9).
const (
	JobGenerationRunChat            = "generation:run:chat"
	JobGenerationRunWorkflow        = "generation:run:workflow"
	JobGenerationTimeoutApproval    = "generation:timeout:approval"
	JobGenerationTimeoutAuth        = "generation:timeout:auth"
	JobGenerationPreparingStuck     = "generation:preparing-stuck-check"
	JobConversationQueuedMsgProcess = "conversation:queued-message:process"
)

// EnqueueOptions customizes a single Enqueue call.
type EnqueueOptions struct {
	// JobID dedups the job: a second Enqueue call with the same JobID
	// before the first is claimed is a no-op. Defaults to a random id
	// (never deduped) when empty.
	JobID string
	// Delay postpones the job's earliest-claim time.
	Delay time.Duration
}

// Job is a claimed unit of work.
type Job struct {
	ID      string
	Name    string
	Payload json.RawMessage
}

// Client enqueues and claims jobs.
type Client interface {
	// Enqueue schedules name to run with payload, honoring opts.
	Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) error
	// Claim pops up to max jobs whose ready-at time has passed. Claimed
	// jobs are removed from the pending set; callers that fail to process
	// a claimed job are responsible for re-enqueueing it (the store-level
	// state a handler mutates is the source of truth, not the queue).
	Claim(ctx context.Context, max int) ([]Job, error)
	Ping(ctx context.Context) error
}

var ErrNoPayload = errors.New("queue: payload is required")

const (
	pendingKey = "queue:pending"
	dedupKey   = "queue:dedup"
	payloadKey = "queue:payload"
	nameKey    = "queue:name"
)

// claimScript atomically pops up to ARGV[2] ready members from the
// pending sorted set, matching the claim-then-process pattern used
// throughout the pack's store adapters to avoid read-then-write races.
var claimScript = redis.NewScript(`
local ready = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
if #ready == 0 then
	return {}
end
redis.call("ZREM", KEYS[1], unpack(ready))
return ready
`)

// RedisClient is the production Client implementation.
type RedisClient struct {
	rdb *redis.Client
}

// New returns a RedisClient wrapping an already-connected *redis.Client.
func New(rdb *redis.Client) *RedisClient {
	return &RedisClient{rdb: rdb}
}

var _ Client = (*RedisClient)(nil)

func (c *RedisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisClient) Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) error {
	if payload == nil {
		return ErrNoPayload
	}
	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	} else {
		set, err := c.rdb.HSetNX(ctx, dedupKey, jobID, "1").Result()
		if err != nil {
			return err
		}
		if !set {
			return nil // already enqueued and not yet claimed
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	readyAt := time.Now().Add(opts.Delay)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, payloadKey, jobID, raw)
	pipe.HSet(ctx, nameKey, jobID, name)
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(readyAt.UnixMilli()), Member: jobID})
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisClient) Claim(ctx context.Context, max int) ([]Job, error) {
	now := time.Now().UnixMilli()
	ids, err := claimScript.Run(ctx, c.rdb, []string{pendingKey}, now, max).StringSlice()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	names, err := c.rdb.HMGet(ctx, nameKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	payloads, err := c.rdb.HMGet(ctx, payloadKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(ids))
	pipe := c.rdb.TxPipeline()
	for i, id := range ids {
		name, _ := names[i].(string)
		payload, _ := payloads[i].(string)
		jobs = append(jobs, Job{ID: id, Name: name, Payload: json.RawMessage(payload)})
		pipe.HDel(ctx, nameKey, id)
		pipe.HDel(ctx, payloadKey, id)
		pipe.HDel(ctx, dedupKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return jobs, nil
}
