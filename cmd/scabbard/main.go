// Command scabbard runs and inspects a two-phase-commit circuit.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/scabbard/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
