// Command uploadctl uploads files to the upload broker and manages files and webhooks.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-uploadkit/config"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/urfave/cli/v2"
)

func main() {
	logger := log.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(logger)
	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Errorf("%s", err)
		stop()
		os.Exit(1)
	}
}

func newApp(logger log.Logger) *cli.App {
	modeFlags := []cli.Flag{
		&cli.BoolFlag{
			Name:  "direct",
			Usage: "Talk to S3 and DynamoDB directly instead of the upload API",
		},
		&cli.StringFlag{
			Name:    "user",
			Usage:   "User id to act as in direct mode",
			EnvVars: []string{"UPLOADKIT_USER_ID"},
		},
	}

	return &cli.App{
		Name:  "uploadctl",
		Usage: "Upload files and post them to Discord webhooks",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logs",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "upload",
				Usage:     "Upload files, glob patterns (including **) are expanded",
				ArgsUsage: "<path>...",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "webhook",
						Aliases:  []string{"w"},
						Usage:    "Webhook id to post the files to",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "message",
						Aliases: []string{"m"},
						Usage:   "Message to post along with the files",
					},
					&cli.StringFlag{
						Name:  "part-size",
						Usage: "Size of the uploaded parts, like 10MB (default: UPLOADKIT_PART_SIZE)",
					},
					&cli.IntFlag{
						Name:  "concurrency",
						Usage: "Number of parts uploaded in parallel (default: UPLOADKIT_CONCURRENCY)",
					},
					&cli.BoolFlag{
						Name:  "no-progress",
						Usage: "Do not draw progress bars",
					},
				}, modeFlags...),
				Action: func(c *cli.Context) error {
					return runUpload(c, logger)
				},
			},
			{
				Name:  "files",
				Usage: "Manage uploaded files",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "List uploaded files, newest first",
						Flags: append([]cli.Flag{
							&cli.StringFlag{
								Name:    "webhook",
								Aliases: []string{"w"},
								Usage:   "Only list the files of this webhook",
							},
						}, modeFlags...),
						Action: func(c *cli.Context) error {
							return runListFiles(c, logger)
						},
					},
					{
						Name:      "delete",
						Usage:     "Delete a file and its Discord message",
						ArgsUsage: "<file id>",
						Flags:     modeFlags,
						Action: func(c *cli.Context) error {
							return runDeleteFile(c, logger)
						},
					},
				},
			},
			{
				Name:  "webhooks",
				Usage: "Manage Discord webhooks",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "List webhooks",
						Flags: modeFlags,
						Action: func(c *cli.Context) error {
							return runListWebhooks(c, logger)
						},
					},
					{
						Name:  "create",
						Usage: "Register a webhook",
						Flags: append([]cli.Flag{
							&cli.StringFlag{Name: "name", Required: true, Usage: "Display name"},
							&cli.StringFlag{Name: "url", Required: true, Usage: "Discord webhook URL"},
							&cli.StringFlag{Name: "server", Usage: "Discord server name"},
							&cli.StringFlag{Name: "channel", Usage: "Discord channel name"},
						}, modeFlags...),
						Action: func(c *cli.Context) error {
							return runCreateWebhook(c, logger)
						},
					},
					{
						Name:      "delete",
						Usage:     "Delete a webhook",
						ArgsUsage: "<webhook id>",
						Flags:     modeFlags,
						Action: func(c *cli.Context) error {
							return runDeleteWebhook(c, logger)
						},
					},
				},
			},
			{
				Name:  "serve",
				Usage: "Serve the upload API over the AWS resources",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "addr",
						Value:   ":8080",
						Usage:   "Listen address",
						EnvVars: []string{"UPLOADKIT_LISTEN_ADDR"},
					},
					&cli.StringFlag{
						Name:     "tokens",
						Usage:    "Accepted bearer tokens, as token=userId pairs separated by commas",
						EnvVars:  []string{"UPLOADKIT_SERVER_TOKENS"},
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					return runServe(c, logger)
				},
			},
		},
	}
}

func loadConfig(c *cli.Context, logger log.Logger) (config.Config, error) {
	cfg, err := config.Load(env.NewRepository())
	if err != nil {
		return config.Config{}, err
	}
	if c.Bool("verbose") {
		cfg.Verbose = true
	}
	logger.EnableDebugLog(cfg.Verbose)
	if cfg.Verbose {
		cfg.Print(logger)
	}
	return cfg, nil
}

func openBackend(c *cli.Context, logger log.Logger) (backend, config.Config, error) {
	cfg, err := loadConfig(c, logger)
	if err != nil {
		return nil, config.Config{}, err
	}
	b, err := newBackend(c.Context, cfg, c.Bool("direct"), c.String("user"), logger)
	if err != nil {
		return nil, config.Config{}, err
	}
	return b, cfg, nil
}
