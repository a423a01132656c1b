package main

import (
	"os"

	"github.com/wonny/m7sim/cmd/m7sim/commands"
)

// main is the entry point for the m7sim CLI
// ⭐ single CLI entry point: go run ./cmd/m7sim [command]
func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
