// Package main is the entry point for the transmux command.
package main

import (
	"os"

	"github.com/jmylchreest/transmux/cmd/transmux/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
