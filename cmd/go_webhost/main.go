package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrei-cloud/go_webhost/internal/commands/cli"
	"github.com/rs/zerolog/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := cli.NewRootCommand()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build commands")
	}

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		stop()
		os.Exit(1)
	}
}
