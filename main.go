// ./main.go
package main

import (
	"github.com/clawops/chargebot/cmd"
)

// main is the entry point for the chargebot CLI application.
func main() {
	// Execute the root command defined in the cmd package.
	// This handles all command-line parsing, configuration, and execution.
	cmd.Execute()
}
