// Command bulkload loads delimited, spreadsheet, columnar, JSON and HTML
// files into a SQL backend, evolving the target table's schema as new
// columns appear.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	// register all backends with the storage factory.
	_ "bulkload/internal/storage/all"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, newApp(os.Stdout, os.Stderr), os.Args[1:])
	stop()
	os.Exit(code)
}
