// Command worker is the Generation Orchestrator's production entrypoint
// (spec.md §4: wires every durable component against Redis/Mongo and runs
// the job-queue poll loop plus the periodic stale-generation reaper).
//
// Grounded on example/cmd/assistant/main.go's shape: flag parsing,
// goa.design/clue/log.Context setup, then construct-everything-in-one-
// function, then block on an error channel fed by signal.Notify.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/genorch/orchestrator/approval"
	"github.com/genorch/orchestrator/config"
	"github.com/genorch/orchestrator/lease"
	"github.com/genorch/orchestrator/orchestrator"
	"github.com/genorch/orchestrator/queue"
	"github.com/genorch/orchestrator/runner"
	"github.com/genorch/orchestrator/sandbox"
	"github.com/genorch/orchestrator/sandbox/localsandbox"
	anthropicprovider "github.com/genorch/orchestrator/sandbox/providers/anthropic"
	"github.com/genorch/orchestrator/store/mongostore"
	"github.com/genorch/orchestrator/telemetry"
)

func main() {
	var (
		dbgF          = flag.Bool("debug", false, "log request/response bodies")
		sandboxDirF   = flag.String("sandbox-dir", "./.sandboxes", "local workspace root used when no PROVIDER_API_KEY is set")
		pollIntervalF = flag.Duration("poll-interval", 500*time.Millisecond, "queue poll cadence")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg := config.Load()
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	rdb := redis.NewClient(mustParseRedisURL(cfg.RedisURL))
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "redis unreachable"})
		os.Exit(1)
	}

	mongoClient, err := mongodriver.Connect(options.Client().ApplyURI(cfg.StoreURI))
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "mongo connect failed"})
		os.Exit(1)
	}
	defer mongoClient.Disconnect(ctx)

	st, err := mongostore.New(ctx, mongostore.Options{Client: mongoClient, Database: "orchestrator"})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "store init failed"})
		os.Exit(1)
	}

	leaseSvc := lease.New(rdb)
	queueClient := queue.New(rdb)

	sandboxProvider, err := newSandboxProvider(cfg, *sandboxDirF)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "sandbox provider init failed"})
		os.Exit(1)
	}

	approvalMgr := approval.New(st, queueClient,
		approval.WithApprovalTimeout(cfg.ApprovalTimeout),
		approval.WithAuthTimeout(cfg.AuthTimeout),
		approval.WithLogger(logger),
	)

	r := runner.New(st, leaseSvc, queueClient, sandboxProvider, approvalMgr,
		runner.WithConfig(runner.Config{
			LeaseTTL:                 cfg.LeaseTTL,
			LeaseRenewInterval:       cfg.LeaseRenewInterval,
			PreparingTimeout:         cfg.PreparingTimeout,
			PromptTimeout:            cfg.PromptTimeout,
			ReuseSandboxForWorkflows: true,
		}),
		runner.WithLogger(logger),
		runner.WithTracer(tracer),
		runner.WithMetrics(metrics),
	)

	orch := orchestrator.New(st, queueClient, sandboxProvider, approvalMgr, r,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithOrchestratorConfig(orchestrator.Config{DeferToWorker: cfg.DeferToWorker}),
	)

	w := queue.NewWorker(queueClient,
		queue.WithPollInterval(*pollIntervalF),
		queue.WithErrorLogger(func(job queue.Job, err error) {
			log.Error(ctx, err, log.KV{K: "msg", V: "job handler failed"}, log.KV{K: "job_name", V: job.Name}, log.KV{K: "job_id", V: job.ID})
		}),
	)
	registerHandlers(w, orch, r)

	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() { runReap(ctx, orch, logger) }); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "cron schedule failed"})
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	errc := make(chan error, 1)
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-sigc)
	}()
	go func() { errc <- w.Run(ctx) }()

	log.Print(ctx, log.KV{K: "msg", V: "worker started"})
	log.Print(ctx, log.KV{K: "exit", V: fmt.Sprint(<-errc)})
}

// registerHandlers binds every queue job name to its orchestrator
// operation (spec.md §4.3/§4.7/§4.9).
func registerHandlers(w *queue.Worker, orch *orchestrator.Orchestrator, r *runner.Runner) {
	runHandler := func(ctx context.Context, job queue.Job) error {
		var p struct {
			GenerationID string `json:"generation_id"`
		}
		if err := decodeJob(job, &p); err != nil {
			return err
		}
		return r.Run(ctx, p.GenerationID)
	}
	w.Register(queue.JobGenerationRunChat, runHandler)
	w.Register(queue.JobGenerationRunWorkflow, runHandler)

	w.Register(queue.JobGenerationTimeoutApproval, func(ctx context.Context, job queue.Job) error {
		var p struct {
			GenerationID string `json:"generation_id"`
		}
		if err := decodeJob(job, &p); err != nil {
			return err
		}
		return orch.ProcessGenerationTimeout(ctx, p.GenerationID, orchestrator.TimeoutApproval)
	})
	w.Register(queue.JobGenerationTimeoutAuth, func(ctx context.Context, job queue.Job) error {
		var p struct {
			GenerationID string `json:"generation_id"`
		}
		if err := decodeJob(job, &p); err != nil {
			return err
		}
		return orch.ProcessGenerationTimeout(ctx, p.GenerationID, orchestrator.TimeoutAuth)
	})
	w.Register(queue.JobGenerationPreparingStuck, func(ctx context.Context, job queue.Job) error {
		var p struct {
			GenerationID string `json:"generation_id"`
		}
		if err := decodeJob(job, &p); err != nil {
			return err
		}
		return orch.ProcessPreparingStuckCheck(ctx, p.GenerationID)
	})
	w.Register(queue.JobConversationQueuedMsgProcess, func(ctx context.Context, job queue.Job) error {
		var p struct {
			ConversationID string `json:"conversation_id"`
		}
		if err := decodeJob(job, &p); err != nil {
			return err
		}
		return orch.ProcessConversationQueuedMessages(ctx, p.ConversationID)
	})
}

func runReap(ctx context.Context, orch *orchestrator.Orchestrator, logger telemetry.Logger) {
	counts, err := orch.ReapStaleGenerations(ctx)
	if err != nil {
		logger.Error(ctx, "stale generation reap failed", "error", err.Error())
		return
	}
	logger.Info(ctx, "stale generation reap complete",
		"errored", counts.Errored,
		"cancelled", counts.Cancelled,
	)
}

func newSandboxProvider(cfg config.Config, sandboxDir string) (sandbox.Provider, error) {
	if cfg.ProviderAPIKey != "" {
		return anthropicprovider.NewProvider(sandboxDir, cfg.ProviderAPIKey, anthropicprovider.Options{
			DefaultModel: "claude-sonnet-4-5",
			MaxTokens:    4096,
		})
	}
	return localsandbox.NewProvider(sandboxDir, nil)
}

func mustParseRedisURL(raw string) *redis.Options {
	opts, err := redis.ParseURL(raw)
	if err != nil {
		panic(fmt.Sprintf("invalid REDIS_URL %q: %v", raw, err))
	}
	return opts
}

func decodeJob(job queue.Job, out any) error {
	return json.Unmarshal(job.Payload, out)
}
