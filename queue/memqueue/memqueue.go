// Package memqueue is an in-memory queue.Client used by tests, grounded on
// the same enqueue/claim/dedup contract as queue.RedisClient.
package memqueue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genorch/orchestrator/queue"
)

type pending struct {
	job     queue.Job
	readyAt time.Time
}

// Client is an in-memory queue.Client.
type Client struct {
	mu    sync.Mutex
	jobs  map[string]pending
	dedup map[string]bool
}

// New returns an empty in-memory queue Client.
func New() *Client {
	return &Client{
		jobs:  make(map[string]pending),
		dedup: make(map[string]bool),
	}
}

var _ queue.Client = (*Client)(nil)

func (c *Client) Ping(ctx context.Context) error { return nil }

func (c *Client) Enqueue(ctx context.Context, name string, payload any, opts queue.EnqueueOptions) error {
	if payload == nil {
		return queue.ErrNoPayload
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	jobID := opts.JobID
	if jobID != "" {
		if c.dedup[jobID] {
			return nil
		}
		c.dedup[jobID] = true
	} else {
		jobID = uuid.NewString()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.jobs[jobID] = pending{
		job:     queue.Job{ID: jobID, Name: name, Payload: raw},
		readyAt: time.Now().Add(opts.Delay),
	}
	return nil
}

func (c *Client) Claim(ctx context.Context, max int) ([]queue.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	var out []queue.Job
	for id, p := range c.jobs {
		if len(out) >= max {
			break
		}
		if p.readyAt.After(now) {
			continue
		}
		out = append(out, p.job)
		delete(c.jobs, id)
		delete(c.dedup, id)
	}
	return out, nil
}
