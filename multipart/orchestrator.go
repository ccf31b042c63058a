package multipart

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/errgroup"
)

// Orchestrator runs the part uploads of one session on a bounded set of workers.
type Orchestrator struct {
	store       SessionStore
	uploader    *PartUploader
	concurrency int
	logger      log.Logger
}

// NewOrchestrator ...
func NewOrchestrator(store SessionStore, uploader *PartUploader, concurrency int, logger log.Logger) *Orchestrator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Orchestrator{
		store:       store,
		uploader:    uploader,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run uploads every task and returns the results sorted by part number.
//
// Workers claim tasks through a shared cursor, so each task is uploaded exactly once.
// After the first failure no new task is claimed and no new attempt is started; requests already
// in flight run to completion and the first error is returned. onProgress is called after each finished part with
// a strictly increasing fraction, ending at 1.
func (o *Orchestrator) Run(ctx context.Context, session *Session, tasks []PartTask, src Source, onProgress ProgressFunc) ([]PartResult, error) {
	if err := session.checkActive(); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return []PartResult{}, nil
	}

	info := session.Info()
	authorize := func(ctx context.Context, partNumber int) (PartURL, error) {
		return o.store.AuthorizePart(ctx, info, partNumber)
	}

	total := len(tasks)
	workers := o.concurrency
	if workers > total {
		workers = total
	}

	results := make([]PartResult, total)
	var cursor atomic.Int64
	var stopped atomic.Bool
	var completed atomic.Int64
	var progressMu sync.Mutex

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				if stopped.Load() || ctx.Err() != nil {
					return nil
				}
				i := int(cursor.Add(1) - 1)
				if i >= total {
					return nil
				}
				task := tasks[i]

				data, err := readPart(src, task)
				if err != nil {
					stopped.Store(true)
					return err
				}
				result, err := o.uploader.Upload(ctx, task, total, data, authorize, WithStopCheck(stopped.Load))
				if errors.Is(err, ErrUploadStopped) {
					return nil
				}
				if err != nil {
					stopped.Store(true)
					return err
				}
				results[i] = result

				progressMu.Lock()
				done := completed.Add(1)
				if onProgress != nil {
					onProgress(float64(done) / float64(total))
				}
				progressMu.Unlock()
			}
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if done := completed.Load(); done != int64(total) {
		return nil, fmt.Errorf("upload cancelled after %d/%d parts: %w", done, total, context.Cause(ctx))
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Number < results[j].Number
	})
	return results, nil
}
