package storage

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"geovisio/internal/models"
)

func (s *Storage) CreateSequence(ctx context.Context, accountID uuid.UUID, metadata map[string]interface{}) (uuid.UUID, error) {
	const op = "storage.CreateSequence"

	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `INSERT INTO sequences(account_id, metadata) VALUES($1, $2) RETURNING id`,
		accountID, metadata).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %v", op, err)
	}
	return id, nil
}

// GetSequence returns the status and owner of a sequence.
func (s *Storage) GetSequence(ctx context.Context, seqID uuid.UUID) (string, uuid.UUID, error) {
	const op = "storage.GetSequence"

	var status string
	var accountID uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT status, account_id FROM sequences WHERE id = $1`, seqID).
		Scan(&status, &accountID)
	if err != nil {
		if isNoRows(err) {
			return "", uuid.Nil, models.ErrNotFound
		}
		return "", uuid.Nil, fmt.Errorf("%s: %v", op, err)
	}
	return status, accountID, nil
}

func (s *Storage) SetSequenceStatus(ctx context.Context, seqID uuid.UUID, status string) error {
	const op = "storage.SetSequenceStatus"

	_, err := s.pool.Exec(ctx, `UPDATE sequences SET status = $1, updated_at = NOW() WHERE id = $2`, status, seqID)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

// updateSequenceHeadings recomputes each member picture's heading from the
// azimuth towards the next picture in rank order (the previous one for the
// last picture), offset by relativeHeading degrees clockwise. A singleton
// sequence gets a NULL heading. With onlyMissing, user-provided headings
// are preserved: only NULL, 0 (many cameras write 0 for unset) and
// previously computed values are touched. Every written heading is flagged
// heading_computed so a later run may recompute it.
func updateSequenceHeadings(ctx context.Context, q querier, seqID uuid.UUID, relativeHeading int, onlyMissing bool) error {
	const op = "storage.updateSequenceHeadings"

	query := `
		WITH h AS (
			SELECT
				p.id,
				CASE
					WHEN LEAD(sp.rank) OVER othpics IS NULL AND LAG(sp.rank) OVER othpics IS NULL
						THEN NULL
					WHEN LEAD(sp.rank) OVER othpics IS NULL
						THEN (360 + FLOOR(DEGREES(ST_Azimuth(LAG(p.geom) OVER othpics, p.geom)))::int + ($2 % 360)) % 360
					ELSE
						(360 + FLOOR(DEGREES(ST_Azimuth(p.geom, LEAD(p.geom) OVER othpics)))::int + ($2 % 360)) % 360
				END AS heading
			FROM pictures p
			JOIN sequences_pictures sp ON sp.pic_id = p.id AND sp.seq_id = $1
			WINDOW othpics AS (ORDER BY sp.rank)
		)
		UPDATE pictures p
		SET heading = h.heading, heading_computed = true
		FROM h
		WHERE h.id = p.id`
	if onlyMissing {
		query += ` AND (p.heading IS NULL OR p.heading = 0 OR p.heading_computed)`
	}

	if _, err := q.Exec(ctx, query, seqID, relativeHeading); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

// DeleteSequence removes a sequence synchronously and schedules the
// asynchronous deletion of its pictures. Pictures shared with another
// sequence are kept. Returns the number of pictures scheduled for removal.
func (s *Storage) DeleteSequence(ctx context.Context, seqID uuid.UUID) (int, error) {
	const op = "storage.DeleteSequence"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", op, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		WITH pic2rm AS (
			SELECT pic_id FROM sequences_pictures WHERE seq_id = $1
		),
		picWithoutOtherSeq AS (
			SELECT pic_id FROM pic2rm
			EXCEPT
			SELECT pic_id FROM sequences_pictures WHERE pic_id IN (SELECT pic_id FROM pic2rm) AND seq_id != $1
		),
		pic_insertion AS (
			INSERT INTO pictures_to_process(picture_id, task)
				SELECT pic_id, 'delete' FROM picWithoutOtherSeq
			ON CONFLICT (picture_id) DO UPDATE SET task = 'delete'
		)
		UPDATE pictures SET status = 'waiting-for-delete' WHERE id IN (SELECT pic_id FROM picWithoutOtherSeq)`,
		seqID)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", op, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM sequences WHERE id = $1`, seqID); err != nil {
		return 0, fmt.Errorf("%s: %v", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%s: %v", op, err)
	}
	return int(tag.RowsAffected()), nil
}

// GetSequenceStatus returns the sequence status along with the processing
// state of every member picture, ordered by rank.
func (s *Storage) GetSequenceStatus(ctx context.Context, seqID uuid.UUID) (*models.SequenceStatus, error) {
	const op = "storage.GetSequenceStatus"

	status, _, err := s.GetSequence(ctx, seqID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.status, sp.rank, p.nb_errors, p.process_error, p.processed_at
		FROM sequences_pictures sp
		JOIN pictures p ON sp.pic_id = p.id
		WHERE sp.seq_id = $1
		ORDER BY sp.rank`, seqID)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	defer rows.Close()

	result := &models.SequenceStatus{Status: status, Items: []models.PictureStatus{}}
	for rows.Next() {
		var item models.PictureStatus
		if err := rows.Scan(&item.ID, &item.Status, &item.Rank, &item.NbErrors, &item.ProcessError, &item.ProcessedAt); err != nil {
			return nil, fmt.Errorf("%s: %v", op, err)
		}
		result.Items = append(result.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return result, nil
}

// finalizeSequencesForPicture promotes every sequence containing the
// picture whose members have all reached a terminal status. Missing
// headings are completed first, then the sequence geometry is built from
// its ready pictures in rank order. Idempotent: re-running on a ready
// sequence recomputes the same geometry and leaves user headings alone.
// Runs on the claim transaction so the promotion commits or retries
// together with the job resolution.
func finalizeSequencesForPicture(ctx context.Context, q querier, picID uuid.UUID) ([]uuid.UUID, error) {
	const op = "storage.finalizeSequencesForPicture"

	rows, err := q.Query(ctx, `SELECT sp.seq_id FROM sequences_pictures sp WHERE sp.pic_id = $1`, picID)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	seqIDs := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s: %v", op, err)
		}
		seqIDs = append(seqIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	finalized := []uuid.UUID{}
	for _, seqID := range seqIDs {
		done, err := isSequenceFinalizable(ctx, q, seqID)
		if err != nil {
			return finalized, err
		}
		if !done {
			continue
		}

		if err := updateSequenceHeadings(ctx, q, seqID, 0, true); err != nil {
			return finalized, err
		}

		_, err = q.Exec(ctx, `
			UPDATE sequences
			SET status = 'ready', updated_at = NOW(), geom = ST_MakeLine(ARRAY(
				SELECT p.geom
				FROM sequences_pictures sp
				JOIN pictures p ON sp.pic_id = p.id
				WHERE sp.seq_id = $1 AND p.status = 'ready'
				ORDER BY sp.rank
			))
			WHERE id = $1`, seqID)
		if err != nil {
			return finalized, fmt.Errorf("%s: %v", op, err)
		}

		log.Printf("Sequence %s is ready", seqID)
		finalized = append(finalized, seqID)
	}
	return finalized, nil
}

// A sequence is finalizable once no member picture is waiting for
// processing or being prepared.
func isSequenceFinalizable(ctx context.Context, q querier, seqID uuid.UUID) (bool, error) {
	const op = "storage.isSequenceFinalizable"

	var pending int
	err := q.QueryRow(ctx, `
		SELECT COUNT(*) FROM pictures p
		JOIN sequences_pictures sp ON sp.pic_id = p.id
		WHERE sp.seq_id = $1
		  AND (p.status = 'waiting-for-process' OR p.status LIKE 'preparing%')`, seqID).Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("%s: %v", op, err)
	}
	return pending == 0, nil
}
