// Package main is the entry point for forgectl, the command line tool
// for running container jobs locally and on the remote GPU service.
package main

import (
	"os"

	"jobforge/cmd/forgectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
