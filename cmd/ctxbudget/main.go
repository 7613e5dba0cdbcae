// Command ctxbudget is the command line and HTTP front end of the context
// budget engine.
package main

import (
	"context"
	"fmt"
	"os"

	"ctxbudget/internal/cli"
	"ctxbudget/pkg/logger"
)

func main() {
	err := cli.NewRootCmd().ExecuteContext(context.Background())
	_ = logger.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
