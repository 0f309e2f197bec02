// Copyright 2026 Digital Platformer
//
// Service Entrypoint
// Boots the orchestrator CLI

package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
