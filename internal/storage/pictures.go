package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"geovisio/internal/meta"
	"geovisio/internal/models"
)

// InsertPictureParams carries everything needed to register an uploaded
// picture. Additional holds upload-level metadata (blurredByAuthor,
// originalFileName, originalFileSize) merged into the stored metadata map.
type InsertPictureParams struct {
	SeqID      uuid.UUID
	Rank       int
	AccountID  uuid.UUID
	Extracted  *meta.Record
	Additional map[string]interface{}
}

// InsertPicture registers a picture, links it at its sequence rank,
// computes the field of view and enqueues the prepare task, all in one
// transaction. saveFile is called with the new picture id before commit so
// a failed artifact write leaves no database residue behind.
func (s *Storage) InsertPicture(ctx context.Context, p InsertPictureParams, saveFile func(uuid.UUID) error) (uuid.UUID, error) {
	const op = "storage.InsertPicture"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %v", op, err)
	}
	defer tx.Rollback(ctx)

	metadata := storedMetadata(p.Extracted, p.Additional)

	var picID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO pictures (ts, heading, metadata, geom, account_id, exif, status)
		VALUES ($1, $2, $3, ST_SetSRID(ST_MakePoint($4, $5), 4326), $6, $7, $8)
		RETURNING id`,
		p.Extracted.Ts, p.Extracted.Heading, metadata, p.Extracted.Lon, p.Extracted.Lat,
		p.AccountID, p.Extracted.Exif, models.StatusWaitingForProcess,
	).Scan(&picID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %v", op, err)
	}

	if err := setFieldOfView(ctx, tx, picID, p.Extracted); err != nil {
		return uuid.Nil, fmt.Errorf("%s: %v", op, err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO sequences_pictures(seq_id, rank, pic_id) VALUES($1, $2, $3)`,
		p.SeqID, p.Rank, picID)
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, models.ErrPicturePositionConflict
		}
		return uuid.Nil, fmt.Errorf("%s: %v", op, err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO pictures_to_process(picture_id, task) VALUES($1, $2)`,
		picID, models.TaskPrepare)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %v", op, err)
	}

	if err := saveFile(picID); err != nil {
		return uuid.Nil, fmt.Errorf("%s: saving picture file: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("%s: %v", op, err)
	}
	return picID, nil
}

// setFieldOfView stores the field of view in the picture metadata.
// Equirectangular pictures cover 360°; flat ones get an estimation from
// the cameras table when a close enough model match exists.
func setFieldOfView(ctx context.Context, tx pgx.Tx, picID uuid.UUID, r *meta.Record) error {
	if r.Type != models.TypeFlat {
		_, err := tx.Exec(ctx, `
			UPDATE pictures
			SET metadata = jsonb_set(metadata, '{field_of_view}'::text[], '360'::jsonb)
			WHERE id = $1`, picID)
		return err
	}

	if r.Make == "" || r.Model == "" {
		return nil
	}
	if _, err := tx.Exec(ctx, `SET pg_trgm.similarity_threshold = 0.9`); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE pictures
		SET metadata = jsonb_set(metadata, '{field_of_view}'::text[], COALESCE(
			(
				SELECT ROUND(DEGREES(2 * ATAN(sensor_width / (2 * (metadata->>'focal_length')::float))))::varchar
				FROM cameras
				WHERE model % CONCAT($2::text, ' ', $3::text)
				ORDER BY model <-> CONCAT($2::text, ' ', $3::text)
				LIMIT 1
			),
			'null'
		)::jsonb)
		WHERE id = $1`,
		picID, r.Make, r.Model)
	return err
}

func storedMetadata(r *meta.Record, additional map[string]interface{}) map[string]interface{} {
	m := map[string]interface{}{
		"type":   r.Type,
		"width":  r.Width,
		"height": r.Height,
	}
	if r.Make != "" {
		m["make"] = r.Make
	}
	if r.Model != "" {
		m["model"] = r.Model
	}
	if r.FocalLength > 0 {
		m["focal_length"] = r.FocalLength
	}
	// tiling info only makes sense for equirectangular pictures
	if r.Type == models.TypeEquirectangular {
		cols, rows := tileGrid(r.Width)
		m["cols"] = cols
		m["rows"] = rows
	}
	for k, v := range additional {
		m[k] = v
	}
	return m
}

// tileGrid mirrors derivates.TileGrid, duplicated here to keep storage
// free of any image dependency.
func tileGrid(width int) (int, int) {
	cols := 4
	ideal := (width / 512 / 2) * 2
	for _, c := range []int{4, 8, 16, 32, 64} {
		if ideal >= c {
			cols = c
		}
	}
	return cols, cols / 2
}

// GetPicture returns the status and owner of a picture.
func (s *Storage) GetPicture(ctx context.Context, picID uuid.UUID) (string, uuid.UUID, error) {
	const op = "storage.GetPicture"

	var status string
	var accountID uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT status, account_id FROM pictures WHERE id = $1`, picID).
		Scan(&status, &accountID)
	if err != nil {
		if isNoRows(err) {
			return "", uuid.Nil, models.ErrNotFound
		}
		return "", uuid.Nil, fmt.Errorf("%s: %v", op, err)
	}
	return status, accountID, nil
}

func (s *Storage) SetPictureStatus(ctx context.Context, picID uuid.UUID, status string) error {
	const op = "storage.SetPictureStatus"

	_, err := s.pool.Exec(ctx, `UPDATE pictures SET status = $1 WHERE id = $2`, status, picID)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

// MarkPictureForDeletion flags a picture for asynchronous removal and
// upserts its queue entry: a pending prepare task becomes a delete task,
// never a duplicate row.
func (s *Storage) MarkPictureForDeletion(ctx context.Context, picID uuid.UUID) error {
	const op = "storage.MarkPictureForDeletion"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE pictures SET status = $1 WHERE id = $2`,
		models.StatusWaitingForDelete, picID)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO pictures_to_process(picture_id, task) VALUES($1, $2)
		ON CONFLICT (picture_id) DO UPDATE SET task = $2`,
		picID, models.TaskDelete)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
