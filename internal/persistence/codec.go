package persistence

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// Encode serializes a context into its persisted JSON shape. Pass data is
// never part of the output.
func Encode(fc *api.FlowContext) ([]byte, error) {
	if fc == nil {
		return nil, fmt.Errorf("persistence: encode nil context")
	}
	return sonic.ConfigStd.Marshal(fc)
}

// Decode restores a context from its persisted JSON shape. Legacy
// string-valued error codes decode to api.ErrCodeLegacy.
func Decode(data []byte) (*api.FlowContext, error) {
	if len(data) == 0 {
		return nil, api.ErrContextNotFound
	}
	var fc api.FlowContext
	if err := sonic.ConfigStd.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("persistence: decode context: %w", err)
	}
	return &fc, nil
}
