package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/chirino/oai-service/internal/cmd/importer"
	"github.com/chirino/oai-service/internal/cmd/migrate"
	"github.com/chirino/oai-service/internal/cmd/serve"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "oai-service",
		Usage: "OAI-PMH 2.0 data provider",
		Commands: []*cli.Command{
			serve.Command(),
			importer.Command(),
			migrate.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
