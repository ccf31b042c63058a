package multipart

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Transfer uploads files to a Store, choosing between a single PUT and a multipart session by size.
type Transfer struct {
	config       Config
	store        Store
	uploader     *PartUploader
	orchestrator *Orchestrator
	finalizer    *Finalizer
	logger       log.Logger
}

// NewTransfer ...
func NewTransfer(config Config, store Store, logger log.Logger) *Transfer {
	config = config.withDefaults()
	uploader := NewPartUploader(config, logger)

	return &Transfer{
		config:       config,
		store:        store,
		uploader:     uploader,
		orchestrator: NewOrchestrator(store, uploader, config.Concurrency, logger),
		finalizer:    NewFinalizer(store, logger),
		logger:       logger,
	}
}

// NeedsMultipart reports whether a file of the given size is uploaded in parts.
func (t *Transfer) NeedsMultipart(size int64) bool {
	return size >= t.config.MultipartThreshold
}

// Initiate creates a multipart session for the file.
func (t *Transfer) Initiate(ctx context.Context, meta FileMetadata) (*Session, error) {
	info, err := t.store.CreateSession(ctx, meta)
	if err != nil {
		return nil, fmt.Errorf("initiate upload: %w", err)
	}
	if info.UploadID == "" {
		return nil, fmt.Errorf("initiate upload: store returned no upload ID")
	}

	t.logger.Debugf("Initiated upload %s for %s (key: %s)", info.UploadID, meta.Filename, info.Key)
	return NewSession(info, meta), nil
}

// UploadAll uploads the content of src into the session and completes it.
// On any failure the session is aborted once and the original error is returned.
func (t *Transfer) UploadAll(ctx context.Context, session *Session, src Source, onProgress ProgressFunc) error {
	if err := session.checkActive(); err != nil {
		return err
	}

	if err := t.uploadAll(ctx, session, src, onProgress); err != nil {
		t.finalizer.Abort(ctx, session)
		return err
	}
	return nil
}

func (t *Transfer) uploadAll(ctx context.Context, session *Session, src Source, onProgress ProgressFunc) error {
	if session.Size > 0 && src.Size() != session.Size {
		return fmt.Errorf("source size %d does not match upload size %d", src.Size(), session.Size)
	}

	tasks, err := PlanParts(src.Size(), t.config.PartSize)
	if err != nil {
		return fmt.Errorf("plan parts: %w", err)
	}

	t.logger.Infof("Uploading %s in %d parts of %s (concurrency: %d)",
		units.HumanSize(float64(src.Size())), len(tasks), units.HumanSize(float64(t.config.PartSize)), t.config.Concurrency)

	results, err := t.orchestrator.Run(ctx, session, tasks, src, onProgress)
	if err != nil {
		return err
	}

	return t.finalizer.Complete(ctx, session, results)
}

// Upload uploads src as one file. Files below the multipart threshold go through a single PUT.
func (t *Transfer) Upload(ctx context.Context, meta FileMetadata, src Source, onProgress ProgressFunc) (Receipt, error) {
	meta.Size = src.Size()

	if !t.NeedsMultipart(meta.Size) {
		return t.uploadSingle(ctx, meta, src, onProgress)
	}

	session, err := t.Initiate(ctx, meta)
	if err != nil {
		return Receipt{}, err
	}
	if err := t.UploadAll(ctx, session, src, onProgress); err != nil {
		return Receipt{}, err
	}

	return Receipt{
		FileID: session.FileID,
		Key:    session.Key,
		Parts:  int((meta.Size + t.config.PartSize - 1) / t.config.PartSize),
	}, nil
}

func (t *Transfer) uploadSingle(ctx context.Context, meta FileMetadata, src Source, onProgress ProgressFunc) (Receipt, error) {
	target, err := t.store.CreateSingleUpload(ctx, meta)
	if err != nil {
		return Receipt{}, fmt.Errorf("create upload URL: %w", err)
	}

	task := PartTask{Number: 1, Start: 0, End: meta.Size}
	data, err := readPart(src, task)
	if err != nil {
		return Receipt{}, err
	}

	t.logger.Infof("Uploading %s in a single request", units.HumanSize(float64(meta.Size)))

	authorize := func(context.Context, int) (PartURL, error) {
		return target.URL, nil
	}
	if _, err := t.uploader.Upload(ctx, task, 1, data, authorize, WithFixedURL()); err != nil {
		return Receipt{}, err
	}

	if onProgress != nil {
		onProgress(1)
	}
	return Receipt{FileID: target.FileID, Key: target.Key, Parts: 1}, nil
}

// Stats returns a summary of the parts uploaded so far.
func (t *Transfer) Stats() PartStats {
	return t.uploader.Stats().Snapshot()
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (t *Transfer) CloseIdleConnections() {
	t.uploader.CloseIdleConnections()
}
