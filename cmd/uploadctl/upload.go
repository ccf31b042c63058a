package main

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-uploadkit/multipart"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
)

// progressTotal is the resolution of the progress bars.
const progressTotal = 1000

type uploadOptions struct {
	webhookID     string
	customMessage string
	partSize      int64
	concurrency   int
	noProgress    bool
}

type uploadFailure struct {
	path string
	err  error
}

// uploadFiles uploads the files one after the other, each of them in parallel parts.
func uploadFiles(ctx context.Context, b backend, cfg multipart.Config, paths []string, opts uploadOptions, logger log.Logger) error {
	if opts.partSize > 0 {
		cfg.PartSize = opts.partSize
	}
	if opts.concurrency > 0 {
		cfg.Concurrency = opts.concurrency
	}

	transfer := multipart.NewTransfer(cfg, b.Uploads(opts.webhookID), logger)
	defer transfer.CloseIdleConnections()

	var progress *mpb.Progress
	if !opts.noProgress {
		progress = mpb.New(mpb.WithWidth(60))
	}

	startTime := time.Now()
	var failures []uploadFailure
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}

		receipt, err := uploadFile(ctx, transfer, path, opts, progress)
		if err != nil {
			failures = append(failures, uploadFailure{path: path, err: err})
			continue
		}
		logger.Donef("Uploaded %s (file: %s, parts: %d)", path, receipt.FileID, receipt.Parts)
	}
	if progress != nil {
		progress.Wait()
	}

	elapsed := time.Since(startTime)
	stats := transfer.Stats()
	logger.Debugf("Uploaded %d parts (average part: %s)", stats.Parts, stats.Average().Round(time.Millisecond))
	logger.Printf("Finished in %s, %s at %s/s", elapsed.Round(time.Second),
		units.HumanSize(float64(stats.Bytes)), units.HumanSize(stats.Throughput(elapsed)))

	for _, failure := range failures {
		logger.Errorf("Failed to upload %s: %s", failure.path, failure.err)
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d uploads failed", len(failures), len(paths))
	}
	return nil
}

func uploadFile(ctx context.Context, transfer *multipart.Transfer, path string, opts uploadOptions, progress *mpb.Progress) (multipart.Receipt, error) {
	src, err := multipart.OpenFile(path)
	if err != nil {
		return multipart.Receipt{}, err
	}
	defer func() {
		_ = src.Close()
	}()

	meta := multipart.FileMetadata{
		Filename:      filepath.Base(path),
		ContentType:   contentTypeOf(path),
		WebhookID:     opts.webhookID,
		CustomMessage: opts.customMessage,
	}

	var onProgress multipart.ProgressFunc
	var bar *mpb.Bar
	if progress != nil {
		name := fmt.Sprintf("%s (%s)", meta.Filename, units.HumanSize(float64(src.Size())))
		bar = progress.AddBar(progressTotal,
			mpb.PrependDecorators(
				decor.Name(name, decor.WC{W: len(name) + 2, C: decor.DidentRight}),
			),
			mpb.AppendDecorators(
				decor.Percentage(),
			),
		)
		onProgress = func(fraction float64) {
			bar.SetCurrent(int64(fraction * progressTotal))
		}
	}

	receipt, err := transfer.Upload(ctx, meta, src, onProgress)
	if bar != nil {
		if err != nil {
			bar.Abort(false)
		} else {
			bar.SetCurrent(progressTotal)
		}
	}
	return receipt, err
}

// contentTypeOf guesses the content type from the file extension.
func contentTypeOf(path string) string {
	if contentType := mime.TypeByExtension(filepath.Ext(path)); contentType != "" {
		return contentType
	}
	return "application/octet-stream"
}
