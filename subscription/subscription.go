// Package subscription implements the Subscription Stream (spec.md §4.8): a
// poll-based, access-checked reader that turns the durable store's view of
// one generation into an ordered channel of GenerationEvents, with adaptive
// backoff, periodic heartbeats, and a global wait cap.
//
// Grounded on the teacher's runtime/agent/stream package: Event (Type/
// RunID/SessionID/Payload) and Sink (Send/Close) define the same "typed,
// marshalable, sent-to-one-consumer" contract this package's GenerationEvent
// and channel-based Subscribe follow, adapted from a push bus subscriber
// (hooks fan out to a Sink) to a poll-based reader against durable state,
// since there is no in-process event bus shared across orchestrator
// processes here — the store is the only cross-process channel (spec.md §5,
// "Shared resources").
package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/genorch/orchestrator/model"
	"github.com/genorch/orchestrator/store"
	"github.com/genorch/orchestrator/telemetry"
)

// EventType discriminates a GenerationEvent, mirroring the teacher's
// stream.EventType constants but narrowed to spec.md §4.8's event list.
type EventType string

const (
	EventPart         EventType = "part"
	EventStatusChange EventType = "status_change"
	EventDone         EventType = "done"
	EventError        EventType = "error"
)

// GenerationEvent is one item in the AsyncIterable spec.md §4.8 describes.
// Exactly one of Part/Status/Done/Err is populated, selected by Type.
type GenerationEvent struct {
	Type           EventType         `json:"type"`
	GenerationID   string            `json:"generation_id"`
	Part           *model.ContentPart `json:"part,omitempty"`
	PartIndex      int               `json:"part_index,omitempty"`
	Status         model.Status      `json:"status,omitempty"`
	Done           *DonePayload      `json:"done,omitempty"`
	Err            string            `json:"error,omitempty"`
	Retryable      bool              `json:"retryable,omitempty"`
}

// DonePayload carries the assistant message id and timing snapshot of a
// completed generation. Attachments is never filled in by this package,
// and there is no sandbox-files list.
type DonePayload struct {
	MessageID   string           `json:"message_id,omitempty"`
	Timing      model.Timing     `json:"timing"`
	Attachments []model.FileAttachment `json:"attachments,omitempty"`
}

var (
	// ErrAccessDenied is returned when the caller is not the conversation
	// owner (spec.md §4.8, "Access check").
	ErrAccessDenied = errors.New("subscription: access denied")
)

// cadence bounds (spec.md §4.8, "adaptive cadence").
const (
	baseInterval        = 500 * time.Millisecond
	awaitingMinInterval = 2000 * time.Millisecond
	heartbeatInterval   = 10 * time.Second
)

// capFor returns the idle-backoff ceiling and the global max-wait for a
// conversation kind (spec.md §4.8, §5 "Timeouts": "180 s chat / 600 s
// workflow").
func capFor(isWorkflow bool) (idleCap, maxWait time.Duration) {
	if isWorkflow {
		return 5 * time.Second, 10 * time.Minute
	}
	return 3 * time.Second, 3 * time.Minute
}

// Subscriber reads one generation's durable state and streams
// GenerationEvents, grounded on the teacher's stream.Subscriber/Sink split:
// here the "sink" is the returned channel and its consumer.
type Subscriber struct {
	store  store.Store
	logger telemetry.Logger
	metrics telemetry.Metrics

	mu     sync.Mutex
	active map[string]int
}

// New constructs a Subscriber.
func New(st store.Store, opts ...Option) *Subscriber {
	s := &Subscriber{
		store:   st,
		logger:  telemetry.NoopLogger{},
		metrics: telemetry.NoopMetrics{},
		active:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Option configures a Subscriber.
type Option func(*Subscriber)

func WithLogger(l telemetry.Logger) Option   { return func(s *Subscriber) { s.logger = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(s *Subscriber) { s.metrics = m } }

// Subscribe streams generationID's events to the caller, starting from the
// beginning of content_parts, until a terminal event is emitted or ctx is
// cancelled. The returned channel is closed when Subscribe's internal
// goroutine exits; callers should drain it to avoid a goroutine leak.
func (s *Subscriber) Subscribe(ctx context.Context, generationID, userID string) (<-chan GenerationEvent, error) {
	g, err := s.store.FindGeneration(ctx, generationID, false)
	if err != nil {
		return nil, err
	}
	conv, err := s.store.FindConversation(ctx, g.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.OwnerUserID != userID {
		return nil, ErrAccessDenied
	}

	s.mu.Lock()
	s.active[generationID]++
	if s.active[generationID] > 1 {
		s.metrics.IncCounter("orchestrator_subscription_dedup_total", 1)
	}
	s.mu.Unlock()

	out := make(chan GenerationEvent, 16)
	go func() {
		defer func() {
			close(out)
			s.mu.Lock()
			s.active[generationID]--
			s.mu.Unlock()
		}()
		s.run(ctx, generationID, conv.Type == model.ConversationTypeWorkflow, out)
	}()
	return out, nil
}

// run drives the poll loop. It owns all send-to-out calls; it never sends
// after observing ctx.Done or after emitting a terminal event.
func (s *Subscriber) run(ctx context.Context, generationID string, isWorkflow bool, out chan<- GenerationEvent) {
	idleCap, maxWait := capFor(isWorkflow)
	deadline := time.Now().Add(maxWait)

	emitted := 0 // count of content parts already sent, by index
	interval := baseInterval
	lastHeartbeat := time.Now()

	send := func(ev GenerationEvent) bool {
		ev.GenerationID = generationID
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		g, err := s.store.FindGeneration(ctx, generationID, false)
		if err != nil {
			send(GenerationEvent{Type: EventError, Err: err.Error(), Retryable: true})
			return
		}

		activity := false
		for emitted < len(g.ContentParts) {
			part := g.ContentParts[emitted]
			if !send(GenerationEvent{Type: EventPart, Part: &part, PartIndex: emitted}) {
				return
			}
			emitted++
			activity = true
		}

		if g.Status.Terminal() {
			send(GenerationEvent{Type: EventStatusChange, Status: g.Status})
			if g.Status == model.StatusCompleted {
				send(GenerationEvent{Type: EventDone, Done: &DonePayload{
					MessageID: g.MessageID,
					Timing:    g.Timing,
				}})
			}
			return
		}

		if time.Now().After(deadline) {
			send(GenerationEvent{Type: EventError, Err: "subscription wait exceeded", Retryable: true})
			return
		}

		if time.Since(lastHeartbeat) >= heartbeatInterval {
			if !send(GenerationEvent{Type: EventStatusChange, Status: g.Status}) {
				return
			}
			lastHeartbeat = time.Now()
		}

		// Adaptive cadence (spec.md §4.8): reset to base on activity;
		// back off by doubling on idle, capped; floor raised while
		// awaiting_*.
		if activity {
			interval = baseInterval
		} else {
			interval *= 2
			if interval > idleCap {
				interval = idleCap
			}
		}
		waitFloor := baseInterval
		if g.Status == model.StatusAwaitingApproval || g.Status == model.StatusAwaitingAuth {
			waitFloor = awaitingMinInterval
		}
		if interval < waitFloor {
			interval = waitFloor
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
