package main

import (
	"fmt"
	"os"

	"github.com/aromcp/workflow-engine/cmd/workflow/cmd"
)

func main() {
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(cmd.ExitCode(err))
}
