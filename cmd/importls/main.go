// Package main provides the importls command.
package main

import (
	"os"

	"github.com/leapstack-labs/importls/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
