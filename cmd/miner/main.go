package main

// ============================================================================
// Responsibilities:
// 1. CLI application entry point
// 2. Initialize and execute CLI commands
// 3. Handle top-level errors with panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/cuckoo-mine/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
