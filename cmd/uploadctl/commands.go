package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-uploadkit/broker"
	"github.com/bitrise-io/go-uploadkit/config"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"
)

const shutdownTimeout = 10 * time.Second

func runUpload(c *cli.Context, logger log.Logger) error {
	if c.NArg() == 0 {
		return fmt.Errorf("no paths given")
	}

	b, cfg, err := openBackend(c, logger)
	if err != nil {
		return err
	}

	opts := uploadOptions{
		webhookID:     c.String("webhook"),
		customMessage: c.String("message"),
		concurrency:   c.Int("concurrency"),
		noProgress:    c.Bool("no-progress"),
	}
	if value := c.String("part-size"); value != "" {
		opts.partSize, err = config.ParseSize(value)
		if err != nil {
			return fmt.Errorf("invalid --part-size: %w", err)
		}
	}

	paths, err := expandPaths(c.Args().Slice(), logger)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no files to upload")
	}

	logger.Infof("Uploading %d files", len(paths))
	return uploadFiles(c.Context, b, cfg.MultipartConfig(), paths, opts, logger)
}

func runListFiles(c *cli.Context, logger log.Logger) error {
	b, _, err := openBackend(c, logger)
	if err != nil {
		return err
	}

	files, err := b.ListFiles(c.Context, c.String("webhook"))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		logger.Printf("No files")
		return nil
	}
	for _, f := range files {
		line := fmt.Sprintf("%s  %-9s  %8s  %s  %s", f.FileID, f.Status, units.HumanSize(float64(f.Size)), f.CreatedAt, f.Filename)
		if f.ErrorMessage != "" {
			line += " (" + f.ErrorMessage + ")"
		}
		logger.Printf("%s", line)
	}
	return nil
}

func runDeleteFile(c *cli.Context, logger log.Logger) error {
	fileID := c.Args().First()
	if fileID == "" {
		return fmt.Errorf("file id is required")
	}

	b, _, err := openBackend(c, logger)
	if err != nil {
		return err
	}
	if err := b.DeleteFile(c.Context, fileID); err != nil {
		return err
	}
	logger.Donef("Deleted file %s", fileID)
	return nil
}

func runListWebhooks(c *cli.Context, logger log.Logger) error {
	b, _, err := openBackend(c, logger)
	if err != nil {
		return err
	}

	webhooks, err := b.ListWebhooks(c.Context)
	if err != nil {
		return err
	}
	if len(webhooks) == 0 {
		logger.Printf("No webhooks")
		return nil
	}
	for _, w := range webhooks {
		location := strings.Trim(w.ServerName+" #"+w.ChannelName, " #")
		logger.Printf("%s  %s  %s", w.WebhookID, w.Name, location)
	}
	return nil
}

func runCreateWebhook(c *cli.Context, logger log.Logger) error {
	b, _, err := openBackend(c, logger)
	if err != nil {
		return err
	}

	webhook, err := b.CreateWebhook(c.Context, broker.CreateWebhookRequest{
		Name:        c.String("name"),
		WebhookURL:  c.String("url"),
		ServerName:  c.String("server"),
		ChannelName: c.String("channel"),
	})
	if err != nil {
		return err
	}
	logger.Donef("Created webhook %s (%s)", webhook.Name, webhook.WebhookID)
	return nil
}

func runDeleteWebhook(c *cli.Context, logger log.Logger) error {
	webhookID := c.Args().First()
	if webhookID == "" {
		return fmt.Errorf("webhook id is required")
	}

	b, _, err := openBackend(c, logger)
	if err != nil {
		return err
	}
	if err := b.DeleteWebhook(c.Context, webhookID); err != nil {
		return err
	}
	logger.Donef("Deleted webhook %s", webhookID)
	return nil
}

func runServe(c *cli.Context, logger log.Logger) error {
	tokens, err := parseTokens(c.String("tokens"))
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c, logger)
	if err != nil {
		return err
	}
	service, err := newService(c.Context, cfg, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              c.String("addr"),
		Handler:           broker.NewHandler(service, tokens, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", server.Addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-c.Context.Done():
	}

	logger.Infof("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// parseTokens parses token=userId pairs separated by commas.
func parseTokens(value string) (broker.StaticTokens, error) {
	tokens := broker.StaticTokens{}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, userID, ok := strings.Cut(pair, "=")
		if !ok || token == "" || userID == "" {
			return nil, fmt.Errorf("invalid token pair %q, expected token=userId", pair)
		}
		tokens[token] = userID
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no tokens given")
	}
	return tokens, nil
}
