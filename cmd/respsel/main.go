// Package main provides the respsel CLI, which trains and runs response
// selectors.
//
// Usage:
//
//	respsel [flags] <command> [args]
//
// Commands:
//
//	train    - Train a selector from an NLU data file
//	predict  - Select responses for texts with a trained selector
//	metrics  - Show recorded training metrics
//	context  - Manage artifact store contexts
//	version  - Print the version
//
// Configuration:
//
//	The CLI stores configuration in ~/.respsel/respsel/
//	Use 'respsel context' commands to manage stores.
package main

import (
	"fmt"
	"os"

	"github.com/haivivi/respsel/cmd/respsel/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
