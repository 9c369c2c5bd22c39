package fluxgraph_test

import (
	"context"
	"fmt"
	"log"

	"github.com/petrijr/fluxgraph"
	"github.com/petrijr/fluxgraph/pkg/handler"
)

// Example_flowBuilder defines a two-node flow with the FlowBuilder and runs
// it to completion on a LocalRunner.
func Example_flowBuilder() {
	ctx := context.Background()

	runner := fluxgraph.NewLocalRunner()
	defer runner.Stop()

	if err := runner.Engine.RegisterHandler("greet", handler.Map(greet)); err != nil {
		log.Fatal(err)
	}

	flow := fluxgraph.New("greeting", "1").
		Start("start").To("greet").
		State("greet", "greet").To("end").
		End("end")
	if err := flow.Register(runner.Engine); err != nil {
		log.Fatal(err)
	}

	res, err := runner.Run(ctx, flow.StreamID(), map[string]any{"name": "Gopher"})
	if err != nil {
		log.Fatal(err)
	}
	for _, fc := range res.Archived() {
		fmt.Printf("%s: %v\n", fc.Status, fc.BusinessData["greeting"])
	}
	// Output: ARCHIVED: hello, Gopher
}

// Example_manualReview parks large orders at a manual-state node until an
// operator completes them.
func Example_manualReview() {
	ctx := context.Background()

	runner := fluxgraph.NewLocalRunner()
	defer runner.Stop()

	fluxgraph.New("order", "1").
		Start("start").To("check").
		Condition("check").When("amount > 100", "review").To("end").
		Manual("review").To("end").
		End("end").
		MustRegister(runner.Engine)

	res, err := runner.Run(ctx, "order1", map[string]any{"amount": 250})
	if err != nil {
		log.Fatal(err)
	}
	waiting := res.Waiting()
	fmt.Println("waiting:", len(waiting), "at", waiting[0].Position)

	res, err = runner.Complete(ctx, waiting[0].ID, map[string]any{"approved": true}, "alice")
	if err != nil {
		log.Fatal(err)
	}
	done := res.Archived()[0]
	fmt.Println("archived by", done.Operator, "approved:", done.BusinessData["approved"])
	// Output:
	// waiting: 1 at review
	// archived by alice approved: true
}

func greet(_ context.Context, data map[string]any) (map[string]any, error) {
	return map[string]any{"greeting": fmt.Sprintf("hello, %v", data["name"])}, nil
}
