// Package main is the entry point for the statsrelay daemon.
package main

import (
	"fmt"
	"os"

	"github.com/firestige/statsrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
