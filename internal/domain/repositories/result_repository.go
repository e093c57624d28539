package repositories

import (
	"context"

	"github.com/opyter/cromqc/internal/domain/entities"
)

// ResultRepository writes enriched rows into a destination tier
type ResultRepository interface {
	// UpsertChunk writes all rows in one transaction keyed by image file.
	// Existing rows take the new reading and verdict but keep their first
	// ArrivedAt, and keep EnrichedAt unless the verdict changed. On error
	// nothing from the chunk is committed.
	UpsertChunk(ctx context.Context, rows []*entities.EnrichedRow) error

	// EnsureSchema creates the destination tables when absent
	EnsureSchema(ctx context.Context) error

	// Tier returns the tier name this repository writes to
	Tier() string
}

// CheckpointRepository persists batch run progress
type CheckpointRepository interface {
	// Get returns the checkpoint of a named run, or a NOT_FOUND AppError
	Get(ctx context.Context, runName string) (*entities.Checkpoint, error)

	// Save upserts the checkpoint of a named run
	Save(ctx context.Context, cp *entities.Checkpoint) error
}
