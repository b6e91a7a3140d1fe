// Command boxrelay relays outbox and inbox rows to their transports.
//
// Subcommands:
//
//	worker    run the poller and processor (or the direct worker) with a health server
//	cleanup   delete expired terminal rows once or on a cron schedule
//	schema    print the DDL of every configured box
//	migrate   apply goose migrations from a directory
//
// Process settings come from BOXRELAY_* environment variables, boxes from a YAML file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}
