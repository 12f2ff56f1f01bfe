// Command caps runs the on-premises check host and its operator tools.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/caps/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "caps:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
