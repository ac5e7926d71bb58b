// Command bmbctl is the operator CLI for the bmb coordinator.
//
// Usage:
//
//	bmbctl migrate up                 # Apply all pending migrations
//	bmbctl deal <scenario-id>         # Read the on-chain escrow deal
//	bmbctl dispute show <dispute-id>  # Print a dispute with its tally
//	bmbctl dispute close-expired      # Close disputes whose voting ended
//	bmbctl escalate <scenario-id>     # Move a deal into community voting
//	bmbctl token <user-id>            # Issue an API token
//	bmbctl networks                   # List known networks
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
