// Command fluxgraph validates flow definitions and drives an engine from the
// command line.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
