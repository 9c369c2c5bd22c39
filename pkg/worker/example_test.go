package worker_test

import (
	"context"
	"fmt"

	"github.com/petrijr/fluxgraph/internal/taskqueue"
	"github.com/petrijr/fluxgraph/pkg/api"
	"github.com/petrijr/fluxgraph/pkg/worker"
)

// ExampleWorker demonstrates constructing a Worker explicitly and using it
// to process a hop task from a queue.
func ExampleWorker() {
	ctx := context.Background()
	queue := taskqueue.NewInMemoryQueue(16)

	w := worker.New(worker.ProcessorFunc(func(ctx context.Context, task *taskqueue.Task) error {
		fmt.Printf("processing %s at %s\n", task.Context.ID, task.NodeID)
		return nil
	}), queue)

	_ = w.EnqueueHop(ctx, "orders1", "review", &api.FlowContext{ID: "ctx-1"}, "")

	if _, err := w.ProcessOne(ctx); err != nil {
		fmt.Println("error:", err)
	}

	// Output:
	// processing ctx-1 at review
}
