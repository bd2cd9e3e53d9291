// Command sketchflow-sync runs the workspace sync engine.
package main

import (
	"os"

	"github.com/appedme/sketchflow-sub001/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
