// Command viewgen turns a host's active view into generated images through a
// node-graph image backend. `viewgen serve` runs a headless host with an HTTP
// control API; `viewgen generate` performs a single generation.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "viewgen:", err)
		os.Exit(1)
	}
}
