package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/okra-platform/foreign/internal/commands"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}

	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

func main() {
	ctrl := &commands.Controller{
		Flags: &commands.Flags{},
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	app := &cli.Command{
		Name:    "foreign",
		Usage:   "Exercise batched enumeration and data transfer against a sandboxed foreign object runtime",
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error, fatal, panic); overrides log_level from the config file",
				Sources: cli.EnvVars("FOREIGN_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to foreign.json or foreign.toml (default: search upwards from the working directory)",
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			if level := c.String("log-level"); level != "" {
				if _, err := zerolog.ParseLevel(level); err != nil {
					return ctx, fmt.Errorf("failed to parse log level: %w", err)
				}
				ctrl.Flags.LogLevel = level
			}
			ctrl.Flags.ConfigPath = c.String("config")

			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:  "enumerate",
				Usage: "Build a string collection in the sandbox and enumerate it in batches",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "count",
						Aliases: []string{"n"},
						Usage:   "number of elements",
						Value:   4,
					},
					&cli.IntFlag{
						Name:  "capacity",
						Usage: "batch window capacity (default: window_capacity from the config)",
					},
					&cli.BoolFlag{
						Name:  "mutable",
						Usage: "use a mutable array",
					},
					&cli.IntFlag{
						Name:  "mutate-after",
						Usage: "append to the collection after this many elements (needs --mutable)",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return ctrl.Enumerate(ctx, commands.EnumerateOptions{
						Count:       c.Int("count"),
						Capacity:    c.Int("capacity"),
						Mutable:     c.Bool("mutable"),
						MutateAfter: c.Int("mutate-after"),
					})
				},
			},
			{
				Name:      "data",
				Usage:     "Hand text to the sandbox as a data object and read it back",
				ArgsUsage: "<text>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "mode",
						Aliases: []string{"m"},
						Usage:   "borrow, move or copy",
						Value:   commands.ModeBorrow,
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "have the foreign side write the bytes to this file",
					},
					&cli.BoolFlag{
						Name:  "atomic",
						Usage: "write the output file atomically",
						Value: true,
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("expected exactly one text argument, got %d", c.Args().Len())
					}
					return ctrl.Data(ctx, commands.DataOptions{
						Text:   c.Args().First(),
						Mode:   c.String("mode"),
						Output: c.String("output"),
						Atomic: c.Bool("atomic"),
					})
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("failed to run foreign")
	}
}
