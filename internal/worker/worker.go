package worker

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"geovisio/internal/blur"
	"geovisio/internal/events"
	"geovisio/internal/imagefs"
	"geovisio/internal/models"
)

// Worker drains the picture processing queue. Several workers may run in
// parallel, each against its own database connection: the claim row lock
// guarantees a picture is never handled twice at the same time.
type Worker struct {
	store    Store
	fses     *imagefs.Filesystems
	blur     *blur.Client     // nil when blurring is disabled
	notifier *events.Notifier // nil when notifications are disabled
	strategy string

	stop atomic.Bool
}

func New(store Store, fses *imagefs.Filesystems, blurClient *blur.Client, notifier *events.Notifier, strategy string) *Worker {
	return &Worker{
		store:    store,
		fses:     fses,
		blur:     blurClient,
		notifier: notifier,
		strategy: strategy,
	}
}

// Stop asks the worker to exit its loop once the current job is done.
func (w *Worker) Stop() {
	w.stop.Store(true)
}

func (w *Worker) Stopped() bool {
	return w.stop.Load()
}

// Run processes jobs until Stop is called or the context ends. Job
// failures never break the loop, they are handled per picture.
func (w *Worker) Run(ctx context.Context) {
	for !w.Stopped() {
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			log.Printf("worker: claim cycle failed: %v", err)
		}
		if ctx.Err() != nil {
			return
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// ProcessNext claims and runs a single job. Returns false when the queue
// is drained.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	claim, err := w.store.ClaimNextPicture(ctx)
	if err != nil {
		return false, err
	}
	if claim == nil {
		return false, nil
	}
	defer claim.Close(ctx)

	pic := claim.Picture()
	start := time.Now()
	log.Printf("worker: %s picture %s", pic.Task, pic.ID)

	var procErr error
	switch pic.Task {
	case models.TaskPrepare:
		procErr = w.processPicture(ctx, claim)
	case models.TaskDelete:
		procErr = w.deletePicture(ctx, claim)
	default:
		procErr = models.Recoverable(fmt.Errorf("unhandled process task: %s", pic.Task))
	}

	if procErr == nil {
		seqIDs, err := claim.Finalize(ctx)
		if err != nil {
			return true, err
		}
		log.Printf("worker: picture %s %sd in %s", pic.ID, pic.Task, time.Since(start).Round(time.Millisecond))
		if pic.Task == models.TaskPrepare {
			w.notifier.PictureStatus(ctx, pic.ID, models.StatusReady)
		}
		w.notifySequences(ctx, seqIDs)
		return true, nil
	}

	recoverable := models.IsRecoverable(procErr)
	if recoverable {
		log.Printf("worker: impossible to process picture %s for the moment: %v", pic.ID, procErr)
	} else {
		log.Printf("worker: impossible to process picture %s: %v", pic.ID, procErr)
	}
	seqIDs, err := claim.MarkError(ctx, procErr.Error(), recoverable)
	if err != nil {
		return true, err
	}
	if !recoverable {
		// broken is terminal, the sequence may still become ready
		w.notifier.PictureStatus(ctx, pic.ID, models.StatusBroken)
	}
	w.notifySequences(ctx, seqIDs)
	return true, nil
}

func (w *Worker) notifySequences(ctx context.Context, seqIDs []uuid.UUID) {
	for _, seqID := range seqIDs {
		w.notifier.SequenceReady(ctx, seqID)
	}
}
