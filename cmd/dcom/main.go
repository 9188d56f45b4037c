// dcom is the command-line front end of the dcom transport: it runs
// responders, issues requests, and brings up peer-to-peer links.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/1ureka/dcom/cmd/dcom/cmd"
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
