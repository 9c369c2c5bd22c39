package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/petrijr/fluxgraph/pkg/stream"
)

var (
	inputJSON string
	inputFile string
	startAt   string
	token     string
)

var runCmd = &cobra.Command{
	Use:   "run <stream-id>",
	Short: "Submit data to a flow and wait until the graph is idle",
	Long: `Run submits business data to the start node of a flow, or to --at, and
prints the resulting lineage once no hop is queued or running.

--input-file may hold a single JSON object or an array of objects; each
object becomes one root context of the same trace.

Example:
  fluxgraph run order1 --input '{"amount": 250}'
  fluxgraph run order1 --input-file orders.json --token batch-42
`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&inputJSON, "input", "i", "{}", "Business data as a JSON object")
	runCmd.Flags().StringVar(&inputFile, "input-file", "", "Read business data from a JSON file")
	runCmd.Flags().StringVar(&startAt, "at", "", "Enter the graph at this node instead of the start node")
	runCmd.Flags().StringVar(&token, "token", "", "Trace id for the submitted contexts (generated when empty)")
}

func readInputs() ([]map[string]any, error) {
	raw := []byte(inputJSON)
	if inputFile != "" {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return nil, err
		}
		raw = data
	}

	var one map[string]any
	if err := sonic.Unmarshal(raw, &one); err == nil {
		return []map[string]any{one}, nil
	}
	var many []map[string]any
	if err := sonic.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("input must be a JSON object or an array of objects: %w", err)
	}
	return many, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	inputs, err := readInputs()
	if err != nil {
		return err
	}
	streamID := args[0]

	return withSession(cmd, func(ctx context.Context, s *session) error {
		trace := token
		if trace == "" && (len(inputs) > 1 || startAt != "") {
			trace = newTraceID()
		}

		if len(inputs) == 1 && startAt == "" && trace == "" {
			root, err := s.engine.Submit(ctx, streamID, inputs[0])
			if err != nil {
				return err
			}
			trace = root.TraceID
		} else {
			emitter := stream.NewBoundedEmitter[map[string]any](len(inputs))
			for _, in := range inputs {
				if err := emitter.Emit(ctx, in); err != nil {
					return err
				}
			}
			feed := func() error { return s.engine.Feed(ctx, streamID, emitter, trace) }
			if startAt != "" {
				feed = func() error { return s.engine.FeedAt(ctx, streamID, startAt, emitter, trace) }
			}
			if err := feed(); err != nil {
				return err
			}
		}

		if err := s.wait(ctx); err != nil {
			return err
		}
		return printTrace(ctx, cmd.OutOrStdout(), s.engine, trace)
	})
}
