package queue

import (
	"context"
	"time"
)

// Handler processes one claimed job. A returned error only gets logged —
// handlers own their own durable state transitions and must re-enqueue
// themselves if a retry is wanted (spec.md §9: "rely on the queue" rather
// than bespoke retry policies).
type Handler func(ctx context.Context, job Job) error

// ErrorLogger receives handler errors; callers typically pass a
// telemetry.Logger-backed adapter.
type ErrorLogger func(job Job, err error)

// Worker polls a Client for ready jobs and dispatches them by name.
type Worker struct {
	client   Client
	handlers map[string]Handler
	onError  ErrorLogger
	interval time.Duration
	batch    int
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithPollInterval overrides the default 500ms poll cadence.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.interval = d }
}

// WithBatchSize overrides the default claim batch size of 10.
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) { w.batch = n }
}

// WithErrorLogger registers a callback invoked when a handler errors.
func WithErrorLogger(f ErrorLogger) WorkerOption {
	return func(w *Worker) { w.onError = f }
}

// NewWorker constructs a Worker over client with no handlers registered.
func NewWorker(client Client, opts ...WorkerOption) *Worker {
	w := &Worker{
		client:   client,
		handlers: make(map[string]Handler),
		interval: 500 * time.Millisecond,
		batch:    10,
		onError:  func(Job, error) {},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register binds a Handler to a job name.
func (w *Worker) Register(name string, h Handler) {
	w.handlers[name] = h
}

// Run polls until ctx is cancelled, dispatching claimed jobs to their
// registered handler. Jobs with no registered handler are dropped with an
// error report.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	jobs, err := w.client.Claim(ctx, w.batch)
	if err != nil {
		w.onError(Job{}, err)
		return
	}
	for _, job := range jobs {
		h, ok := w.handlers[job.Name]
		if !ok {
			w.onError(job, errUnknownJob(job.Name))
			continue
		}
		if err := h(ctx, job); err != nil {
			w.onError(job, err)
		}
	}
}

type unknownJobError string

func (e unknownJobError) Error() string { return "queue: no handler registered for job " + string(e) }

func errUnknownJob(name string) error { return unknownJobError(name) }
