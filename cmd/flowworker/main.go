// Command flowworker runs flow events through the flowfiber pipeline.
//
// Usage:
//
//	flowworker run --config flowworker.yaml --input events.jsonl
//	flowworker inspect --config flowworker.yaml <flow-id>
package main

import (
	"fmt"
	"os"

	"github.com/dshills/flowfiber-go/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "flowworker:", err)
		os.Exit(1)
	}
}
