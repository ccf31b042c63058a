package multipart

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

const defaultAbortTimeout = 30 * time.Second

// Finalizer completes or aborts upload sessions.
type Finalizer struct {
	store        SessionStore
	logger       log.Logger
	abortTimeout time.Duration
}

// NewFinalizer ...
func NewFinalizer(store SessionStore, logger log.Logger) *Finalizer {
	return &Finalizer{
		store:        store,
		logger:       logger,
		abortTimeout: defaultAbortTimeout,
	}
}

// Complete commits the uploaded parts. The results must be exactly parts 1..N in ascending order.
func (f *Finalizer) Complete(ctx context.Context, session *Session, results []PartResult) error {
	if err := validatePartSet(results); err != nil {
		return err
	}
	if err := session.transition(StateCompleting, StateInitiated); err != nil {
		return err
	}

	if err := f.store.CompleteSession(ctx, session.Info(), results); err != nil {
		session.setState(StateInitiated)
		return &SessionFinalizeError{UploadID: session.UploadID, Err: err}
	}

	session.setState(StateCompleted)
	f.logger.Debugf("Upload %s completed with %d parts", session.UploadID, len(results))
	return nil
}

// Abort releases the session on the store side. It is best-effort: failures are logged and the
// session is considered aborted either way. Cancellation of ctx does not prevent the abort call.
func (f *Finalizer) Abort(ctx context.Context, session *Session) {
	if err := session.transition(StateAborting, StateInitiated, StateCompleting); err != nil {
		f.logger.Debugf("Skipping abort: %s", err)
		return
	}
	defer session.setState(StateAborted)

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.abortTimeout)
	defer cancel()

	f.logger.Warnf("Aborting upload %s (key: %s)", session.UploadID, session.Key)
	if err := f.store.AbortSession(abortCtx, session.Info()); err != nil {
		f.logger.Warnf("Failed to abort upload %s: %s", session.UploadID, err)
	}
}

func validatePartSet(results []PartResult) error {
	if len(results) == 0 {
		return fmt.Errorf("%w: no parts", ErrInvalidPartSet)
	}
	for i, r := range results {
		if r.Number != i+1 {
			return fmt.Errorf("%w: expected part %d at position %d, got %d", ErrInvalidPartSet, i+1, i, r.Number)
		}
		if r.ETag == "" {
			return fmt.Errorf("%w: part %d has no ETag", ErrInvalidPartSet, r.Number)
		}
	}
	return nil
}
