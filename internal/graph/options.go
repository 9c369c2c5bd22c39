package graph

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// NodeOptions are the runtime knobs a node reads from its properties.
type NodeOptions struct {
	// BatchSize is how many contexts an auto-state node collects before it
	// runs its task once over the whole window.
	BatchSize int `mapstructure:"batchSize"`

	// FlushAfter closes a partially filled window after this long.
	// Zero keeps windows purely count based.
	FlushAfter time.Duration `mapstructure:"flushAfter"`

	// Parallelism is the number of workers draining the node's queue.
	// Zero uses the scheduler default.
	Parallelism int `mapstructure:"parallelism"`

	Retry api.RetryPolicy `mapstructure:"retry"`

	// Outputs restricts archived business data to these keys when the
	// definition enables output scoping. END nodes only.
	Outputs []string `mapstructure:"outputs"`
}

func decodeOptions(node *api.FlowNode) (NodeOptions, error) {
	opts := NodeOptions{BatchSize: 1}
	if len(node.Properties) == 0 {
		return opts, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return opts, err
	}
	if err := dec.Decode(node.Properties); err != nil {
		return opts, fmt.Errorf("%w: node properties: %v", api.ErrInvalidDefinition, err)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.FlushAfter < 0 {
		return opts, fmt.Errorf("%w: negative flushAfter", api.ErrInvalidDefinition)
	}
	return opts, nil
}
