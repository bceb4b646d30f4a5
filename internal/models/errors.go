package models

import (
	"errors"
	"fmt"
)

// ErrPicturePositionConflict is returned when a picture is inserted at a
// (sequence, rank) position already taken by another picture.
var ErrPicturePositionConflict = errors.New("picture at given position already exists")

// ErrNotFound is returned by lookups on unknown pictures or sequences.
var ErrNotFound = errors.New("not found")

// ErrNoDefaultAccount is returned when an unauthenticated upload arrives
// and no account is flagged is_default.
var ErrNoDefaultAccount = errors.New("no default account defined")

// MetadataReadingError reports that the minimal EXIF tuple (timestamp and
// GPS coordinates) could not be extracted from an uploaded picture.
type MetadataReadingError struct {
	Details string
}

func (e *MetadataReadingError) Error() string {
	return fmt.Sprintf("impossible to parse picture metadata: %s", e.Details)
}

// RecoverableProcessError marks a processing failure that should send the
// picture back to the queue instead of flagging it broken. Blur API
// failures and cooperative interruptions are the only producers.
type RecoverableProcessError struct {
	Err error
}

func (e *RecoverableProcessError) Error() string { return e.Err.Error() }

func (e *RecoverableProcessError) Unwrap() error { return e.Err }

// Recoverable wraps err so the worker retries the picture later.
func Recoverable(err error) error {
	return &RecoverableProcessError{Err: err}
}

// IsRecoverable tells whether a worker error should re-queue the picture
// rather than mark it broken.
func IsRecoverable(err error) bool {
	var r *RecoverableProcessError
	return errors.As(err, &r)
}
