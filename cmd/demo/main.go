// Command demo exercises one full chat generation (admission through
// completion) against in-memory fakes: no Redis, no Mongo, no real model
// vendor required. Grounded on example/cmd/assistant/main.go's
// construct-everything-in-one-function shape, trimmed to a single
// synchronous run the way runtime/agent's own cmd/demo/main.go runs one
// agent turn and prints the result.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/genorch/orchestrator/approval"
	"github.com/genorch/orchestrator/lease/memlease"
	"github.com/genorch/orchestrator/orchestrator"
	"github.com/genorch/orchestrator/queue/memqueue"
	"github.com/genorch/orchestrator/runner"
	"github.com/genorch/orchestrator/sandbox/localsandbox"
	"github.com/genorch/orchestrator/store/memstore"
	"github.com/genorch/orchestrator/subscription"
)

func main() {
	ctx := context.Background()

	st := memstore.New()
	q := memqueue.New()
	ls := memlease.New()

	sandboxDir, err := os.MkdirTemp("", "orchestrator-demo-")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(sandboxDir)

	sp, err := localsandbox.NewProvider(sandboxDir, localsandbox.EchoResponder{})
	if err != nil {
		panic(err)
	}

	am := approval.New(st, q)
	r := runner.New(st, ls, q, sp, am)

	// DeferToWorker=false: StartGeneration runs the generation in-process
	// instead of enqueuing a worker job, since this demo has no worker
	// process polling the queue.
	orch := orchestrator.New(st, q, sp, am, r,
		orchestrator.WithOrchestratorConfig(orchestrator.Config{DeferToWorker: false}),
	)

	out, err := orch.StartGeneration(ctx, orchestrator.StartGenerationInput{
		Content: "Say hi",
		Model:   "demo-model",
		UserID:  "demo-user",
	})
	if err != nil {
		panic(err)
	}
	fmt.Println("GenerationID:", out.GenerationID)

	events, err := orch.SubscribeToGeneration(ctx, out.GenerationID, "demo-user")
	if err != nil {
		panic(err)
	}
	for ev := range events {
		switch ev.Type {
		case subscription.EventPart:
			if ev.Part != nil {
				fmt.Printf("part[%d]: %s\n", ev.PartIndex, ev.Part.Text)
			}
		case subscription.EventStatusChange:
			fmt.Println("status:", ev.Status)
		case subscription.EventDone:
			fmt.Println("done, message:", ev.Done.MessageID)
			return
		case subscription.EventError:
			fmt.Println("error:", ev.Err, "retryable:", ev.Retryable)
			return
		}
	}
}
