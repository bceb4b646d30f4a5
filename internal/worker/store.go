package worker

import (
	"context"

	"github.com/google/uuid"

	"geovisio/internal/models"
	"geovisio/internal/storage"
)

// Claim is an exclusively held processing queue entry, resolved exactly
// once by Finalize or MarkError. Both run sequence finalization together
// with the job resolution and report the promoted sequences. Close
// releases an unresolved claim.
type Claim interface {
	Picture() models.QueuedPicture
	Metadata() map[string]interface{}
	StartProcess(ctx context.Context) error
	SetStatus(ctx context.Context, status string) error
	Finalize(ctx context.Context) ([]uuid.UUID, error)
	MarkError(ctx context.Context, procErr string, recoverable bool) ([]uuid.UUID, error)
	Close(ctx context.Context)
}

// Store is the slice of persistence the worker needs.
type Store interface {
	// ClaimNextPicture returns nil when the queue is drained.
	ClaimNextPicture(ctx context.Context) (Claim, error)
}

type dbStore struct {
	s *storage.Storage
}

// NewStore adapts the Postgres storage to the worker's Store interface.
func NewStore(s *storage.Storage) Store {
	return dbStore{s: s}
}

func (d dbStore) ClaimNextPicture(ctx context.Context) (Claim, error) {
	c, err := d.s.ClaimNextPicture(ctx)
	if err != nil || c == nil {
		return nil, err
	}
	return c, nil
}
