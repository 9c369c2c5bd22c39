package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petrijr/fluxgraph/internal/definition"
	"github.com/petrijr/fluxgraph/pkg/api"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file-or-dir...]",
	Short: "Validate flow definitions",
	Long: `Validate parses flow definitions and checks their structure: one start
and one end node, existing edge targets and reachability.

Without arguments the --flows directory is validated.

Example:
  fluxgraph validate
  fluxgraph validate flows/order.yaml flows/refund.yaml
`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		args = []string{flowsDir}
	}

	var defs []*api.FlowDefinition
	failed := 0
	for _, path := range args {
		loaded, err := loadPath(path)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
			continue
		}
		defs = append(defs, loaded...)
	}

	if err := printDefinitions(cmd.OutOrStdout(), defs); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d paths failed validation", failed, len(args))
	}
	return nil
}

func loadPath(path string) ([]*api.FlowDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return definition.LoadDir(path)
	}
	def, err := definition.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return []*api.FlowDefinition{def}, nil
}
