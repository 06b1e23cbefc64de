// Package main provides the entry point for the aide CLI.
package main

import (
	"fmt"
	"os"

	"github.com/aide-ai/aide/cmd/aide/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
