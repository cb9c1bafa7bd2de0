// Command ontograph classifies documents and extracts their knowledge graphs
// from the command line.
package main

import (
	"os"

	"github.com/fatih/color"
)

func main() {
	root := newRootCommand(defaultEngine)
	if err := root.Execute(); err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		os.Exit(1)
	}
}
