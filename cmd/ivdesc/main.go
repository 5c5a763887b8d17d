// Package main provides the ivdesc entry point.
//
// Pipeline:
// 1. Load functions (YAML IR fixtures, or Go packages lowered from SSA)
// 2. Verify them
// 3. Find loops and classify every header phi
// 4. Print the report as text or JSON
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/hassan/ivdesc/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		// Commands print the errors they report; an ExitError wrapping a
		// cause was not reported yet
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) || exitErr.Err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
