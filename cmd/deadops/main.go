// Package main is the entry point for the deadops CLI.
package main

import (
	"os"

	"github.com/deadops/deadops/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
