// The main package for the pvingest executable.
package main

import (
	"github.com/nber-i3/pvingest/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
