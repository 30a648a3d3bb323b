package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/habibyte/habibyte/cli/habibyte/cmd"
	"github.com/habibyte/habibyte/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.New(logger.New).Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "habibyte: %v\n", err)
		stop()
		os.Exit(1)
	}
}
