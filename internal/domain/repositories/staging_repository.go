package repositories

import (
	"context"

	"github.com/opyter/cromqc/internal/domain/entities"
)

// StagingRepository reads the reading/image join of a source tier
type StagingRepository interface {
	// CountJoined returns the number of rows in the reading/image join
	CountJoined(ctx context.Context) (int, error)

	// FetchChunk returns up to limit joined rows starting at offset, ordered by
	// reading index then image file. Readings without an image row are included
	// with a nil Image so the caller can fail them explicitly.
	FetchChunk(ctx context.Context, offset, limit int) ([]*entities.StagedRow, error)

	// Tier returns the tier name this repository reads from
	Tier() string
}
