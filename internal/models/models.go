package models

import (
	"time"

	"github.com/google/uuid"
)

// Picture statuses. A picture is only ever mutated by the worker that
// claimed its queue entry, except for the ready<->hidden toggle which
// is driven by the editing API.
const (
	StatusWaitingForProcess  = "waiting-for-process"
	StatusPreparing          = "preparing"
	StatusPreparingBlur      = "preparing-blur"
	StatusPreparingDerivates = "preparing-derivates"
	StatusReady              = "ready"
	StatusHidden             = "hidden"
	StatusBroken             = "broken"
	StatusWaitingForDelete   = "waiting-for-delete"
)

// Process task kinds stored in pictures_to_process.
const (
	TaskPrepare = "prepare"
	TaskDelete  = "delete"
)

// Derivative generation strategies.
const (
	StrategyPreprocess = "PREPROCESS"
	StrategyOnDemand   = "ON_DEMAND"
)

// Picture projection types.
const (
	TypeFlat            = "flat"
	TypeEquirectangular = "equirectangular"
)

// PictureStatus is the per-picture slice of a sequence import status report.
type PictureStatus struct {
	ID           uuid.UUID  `json:"id"`
	Status       string     `json:"status"`
	Rank         int        `json:"rank"`
	NbErrors     int        `json:"nb_errors"`
	ProcessError *string    `json:"process_error"`
	ProcessedAt  *time.Time `json:"processed_at"`
}

// SequenceStatus aggregates a sequence status with all its member pictures.
type SequenceStatus struct {
	Status string          `json:"status"`
	Items  []PictureStatus `json:"items"`
}

// QueuedPicture is a claimed entry of the processing queue. The claim is
// only valid while the claiming transaction is open.
type QueuedPicture struct {
	ID        uuid.UUID
	IsBlurred bool
	Task      string
}
