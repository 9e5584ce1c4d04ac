package main

import (
	"context"
	"os"

	"github.com/savaki/outposts-backup/cmd/outposts-backup/commands"
	"github.com/savaki/outposts-backup/internal/di"
	"github.com/urfave/cli/v2"
)

func main() {
	logger := di.ProvideLogger()
	ctx := logger.WithContext(context.Background())

	app := &cli.App{
		Name:  "outposts-backup",
		Usage: "Outposts server backup automation toolkit",
		Description: `Build and publish the SSM Automation document that backs up an Outposts server
instance, and inspect the baseline volumes it provisions.

This tool provides commands for:
  - Stitching scripts and CloudFormation templates into the automation document
  - Uploading document attachments and registering the document with Systems Manager
  - Listing baseline volumes recorded for an instance`,
		Commands: []*cli.Command{
			commands.DocumentCommand(&logger),
			commands.BaselinesCommand(&logger),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
