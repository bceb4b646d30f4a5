package storage

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"geovisio/internal/models"
)

// claimSQL picks the next queue entry. Failed pictures drift to the back
// (nb_errors), fresh work ranks before retried preparing states, ties
// break on enqueue time. SKIP LOCKED keeps entries claimed by other
// workers invisible instead of blocking on them.
const claimSQL = `
	SELECT p.id, COALESCE((p.metadata->>'blurredByAuthor')::boolean, false), pictures_to_process.task, p.metadata
	FROM pictures_to_process
	JOIN pictures p ON p.id = pictures_to_process.picture_id
	ORDER BY
		p.nb_errors,
		CASE
			WHEN p.status = 'waiting-for-process' THEN 0
			WHEN p.status = 'waiting-for-delete' THEN 0
			WHEN p.status LIKE 'preparing%' THEN 1
		END,
		pictures_to_process.ts
	FOR UPDATE OF pictures_to_process SKIP LOCKED
	LIMIT 1`

// Claim is an exclusively held queue entry. The row lock lives in the
// claim transaction: Finalize and MarkError resolve it, Close rolls it
// back so an unfinished job becomes claimable again. Status updates go
// through the pool so other connections observe processing progress.
type Claim struct {
	pic  models.QueuedPicture
	meta map[string]interface{}
	tx   pgx.Tx
	pool *pgxpool.Pool
	done bool
}

// ClaimNextPicture locks the next pending queue entry. Returns nil when
// the queue is drained.
func (s *Storage) ClaimNextPicture(ctx context.Context) (*Claim, error) {
	const op = "storage.ClaimNextPicture"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	c := &Claim{tx: tx, pool: s.pool}
	err = tx.QueryRow(ctx, claimSQL).Scan(&c.pic.ID, &c.pic.IsBlurred, &c.pic.Task, &c.meta)
	if err != nil {
		tx.Rollback(ctx)
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return c, nil
}

func (c *Claim) Picture() models.QueuedPicture { return c.pic }

// Metadata returns the picture metadata map captured at claim time.
func (c *Claim) Metadata() map[string]interface{} { return c.meta }

// StartProcess moves the picture to preparing and stamps processed_at.
func (c *Claim) StartProcess(ctx context.Context) error {
	const op = "storage.Claim.StartProcess"

	_, err := c.pool.Exec(ctx, `
		UPDATE pictures SET
			status = $1,
			processed_at = NOW()
		WHERE id = $2`, models.StatusPreparing, c.pic.ID)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

// SetStatus records an intermediate processing status, visible to other
// connections right away.
func (c *Claim) SetStatus(ctx context.Context, status string) error {
	const op = "storage.Claim.SetStatus"

	_, err := c.pool.Exec(ctx, `UPDATE pictures SET status = $1 WHERE id = $2`, status, c.pic.ID)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

// Finalize marks the job done: the queue entry is removed and, for delete
// tasks, the picture row itself. For prepare tasks the sequences completed
// by this picture are promoted in the same transaction, so a crashed
// worker either retries the whole job or the promotion is durable.
// Commits the claim transaction and returns the promoted sequence ids.
func (c *Claim) Finalize(ctx context.Context) ([]uuid.UUID, error) {
	const op = "storage.Claim.Finalize"

	if _, err := c.tx.Exec(ctx, `DELETE FROM pictures_to_process WHERE picture_id = $1`, c.pic.ID); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	if c.pic.Task == models.TaskDelete {
		if _, err := c.tx.Exec(ctx, `DELETE FROM pictures WHERE id = $1`, c.pic.ID); err != nil {
			return nil, fmt.Errorf("%s: %v", op, err)
		}
	}

	var finalized []uuid.UUID
	if c.pic.Task == models.TaskPrepare {
		var err error
		finalized, err = finalizeSequencesForPicture(ctx, c.tx, c.pic.ID)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", op, err)
		}
	}

	if err := c.tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	c.done = true
	return finalized, nil
}

// MarkError records a failed job. A recoverable failure sends the picture
// back to the queue with its error count bumped; a fatal one flags it
// broken, drops the queue entry and promotes the sequences the broken
// picture was the last pending member of, all in the claim transaction.
// Commits the claim transaction and returns the promoted sequence ids.
func (c *Claim) MarkError(ctx context.Context, procErr string, recoverable bool) ([]uuid.UUID, error) {
	const op = "storage.Claim.MarkError"

	var err error
	if recoverable {
		_, err = c.tx.Exec(ctx, `
			UPDATE pictures SET
				status = $1,
				nb_errors = nb_errors + 1,
				process_error = $2
			WHERE id = $3`, models.StatusWaitingForProcess, procErr, c.pic.ID)
	} else {
		_, err = c.tx.Exec(ctx, `
			WITH pic_to_process_update AS (
				DELETE FROM pictures_to_process
				WHERE picture_id = $3
			)
			UPDATE pictures SET
				status = $1,
				nb_errors = nb_errors + 1,
				process_error = $2
			WHERE id = $3`, models.StatusBroken, procErr, c.pic.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	var finalized []uuid.UUID
	if !recoverable {
		finalized, err = finalizeSequencesForPicture(ctx, c.tx, c.pic.ID)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", op, err)
		}
	}

	if err := c.tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	c.done = true
	return finalized, nil
}

// Close releases the claim. A job neither finalized nor marked failed is
// rolled back, so the entry becomes claimable by the next worker.
func (c *Claim) Close(ctx context.Context) {
	if c.done {
		return
	}
	if err := c.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		log.Printf("storage: rolling back claim of %s: %v", c.pic.ID, err)
	}
	c.done = true
}
