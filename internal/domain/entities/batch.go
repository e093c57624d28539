package entities

import "time"

// ProcessingBatch is the bookkeeping of one chunk; it lives until the chunk is logged.
type ProcessingBatch struct {
	Offset       int
	ChunkSize    int
	Rows         int
	SuccessCount int
	FailureCount int
	// Superseded counts enriched readings replaced by a later reading with the
	// same image file in the chunk. They are in neither count above.
	Superseded int
}

// RunSummary aggregates the chunks of one batch run
type RunSummary struct {
	RunID        string
	RunName      string
	Total        int
	StartOffset  int
	NextOffset   int
	Chunks       int
	SuccessCount int
	FailureCount int
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Add folds a finished chunk into the run totals
func (s *RunSummary) Add(b *ProcessingBatch) {
	s.Chunks++
	s.SuccessCount += b.SuccessCount
	s.FailureCount += b.FailureCount
	s.NextOffset = b.Offset + b.Rows
}

// Checkpoint records the resume position of a named batch run
type Checkpoint struct {
	RunName      string    `db:"run_name"`
	RunID        string    `db:"run_id"`
	NextOffset   int       `db:"next_offset"`
	Total        int       `db:"total_rows"`
	SuccessCount int       `db:"success_count"`
	FailureCount int       `db:"failure_count"`
	UpdatedAt    time.Time `db:"updated_at"`
}
