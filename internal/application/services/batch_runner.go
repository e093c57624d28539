package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opyter/cromqc/internal/domain/entities"
	"github.com/opyter/cromqc/internal/domain/providers"
	"github.com/opyter/cromqc/internal/domain/repositories"
	"github.com/opyter/cromqc/internal/infrastructure/observability"
	apperrors "github.com/opyter/cromqc/pkg/errors"
)

// BatchRunConfig holds the settings of one batch run
type BatchRunConfig struct {
	RunName      string
	ChunkSize    int
	Resume       bool
	LockTTL      time.Duration
	EnsureSchema bool
}

// BatchRunner drives BatchPager and BatchLoader over a whole tier. Each
// committed chunk is checkpointed; an aborted chunk is not, so a resumed run
// restarts at the first uncommitted chunk.
type BatchRunner struct {
	staging     repositories.StagingRepository
	results     repositories.ResultRepository
	checkpoints repositories.CheckpointRepository
	loader      *BatchLoader
	lock        providers.TierLock
	cfg         BatchRunConfig
	logger      zerolog.Logger
	now         func() time.Time
}

// NewBatchRunner creates a run driver. checkpoints and lock may be nil.
func NewBatchRunner(
	staging repositories.StagingRepository,
	results repositories.ResultRepository,
	checkpoints repositories.CheckpointRepository,
	loader *BatchLoader,
	lock providers.TierLock,
	cfg BatchRunConfig,
) *BatchRunner {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &BatchRunner{
		staging:     staging,
		results:     results,
		checkpoints: checkpoints,
		loader:      loader,
		lock:        lock,
		cfg:         cfg,
		logger:      observability.ComponentLogger("batch_runner"),
		now:         time.Now,
	}
}

// Run processes every chunk from the start offset to the end of the join.
// The summary is returned on error too, with the counts of committed chunks.
func (r *BatchRunner) Run(ctx context.Context) (*entities.RunSummary, error) {
	summary := &entities.RunSummary{
		RunID:     uuid.NewString(),
		RunName:   r.cfg.RunName,
		StartedAt: r.now().UTC(),
	}
	logger := r.logger.With().
		Str("run_id", summary.RunID).
		Str("run_name", r.cfg.RunName).
		Str("source", r.staging.Tier()).
		Str("destination", r.results.Tier()).
		Logger()

	var lease providers.Lease
	if r.lock != nil {
		var err error
		lease, err = r.lock.Acquire(ctx, r.results.Tier(), r.cfg.LockTTL)
		if err != nil {
			return summary, err
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lease.Release(releaseCtx); err != nil {
				logger.Error().Err(err).Msg("Failed to release tier lock")
			}
		}()
	}

	if r.cfg.EnsureSchema {
		if err := r.results.EnsureSchema(ctx); err != nil {
			return summary, err
		}
	}

	prior, err := r.startingPoint(ctx)
	if err != nil {
		return summary, err
	}
	summary.StartOffset = prior.NextOffset
	summary.NextOffset = prior.NextOffset

	pager, err := NewBatchPager(r.staging, r.cfg.ChunkSize, prior.NextOffset)
	if err != nil {
		return summary, apperrors.NewValidationError(err.Error())
	}
	total, err := pager.Total(ctx)
	if err != nil {
		return summary, err
	}
	summary.Total = total

	logger.Info().
		Int("total", total).
		Int("start_offset", prior.NextOffset).
		Int("chunk_size", r.cfg.ChunkSize).
		Msg("Batch run started")

	for {
		page, err := pager.Next(ctx)
		if err != nil {
			logger.Error().Err(err).Int("offset", pager.Offset()).Msg("Failed to fetch chunk, aborting run")
			return r.finish(summary), err
		}
		if page == nil {
			break
		}

		batch, err := r.loader.LoadChunk(ctx, page)
		if err != nil {
			logger.Error().
				Err(err).
				Int("offset", page.Offset).
				Int("success", batch.SuccessCount).
				Int("failure", batch.FailureCount).
				Msg("Chunk aborted, not checkpointed")
			return r.finish(summary), err
		}

		summary.Add(batch)
		logger.Info().
			Str("range", fmt.Sprintf("[%d ~ %d]", batch.Offset+1, batch.Offset+batch.Rows)).
			Int("total", total).
			Int("success", batch.SuccessCount).
			Int("failure", batch.FailureCount).
			Int("superseded", batch.Superseded).
			Msg("Chunk committed")

		if err := r.checkpoint(ctx, summary, prior); err != nil {
			return r.finish(summary), err
		}

		if lease != nil {
			if err := lease.Refresh(ctx, r.cfg.LockTTL); err != nil {
				return r.finish(summary), err
			}
		}
	}

	r.finish(summary)
	logger.Info().
		Int("total", summary.Total).
		Int("chunks", summary.Chunks).
		Int("success", summary.SuccessCount).
		Int("failure", summary.FailureCount).
		Dur("duration", summary.FinishedAt.Sub(summary.StartedAt)).
		Msg("Batch run finished")
	return summary, nil
}

func (r *BatchRunner) finish(summary *entities.RunSummary) *entities.RunSummary {
	summary.FinishedAt = r.now().UTC()
	return summary
}

// startingPoint returns the checkpoint to resume from, or a zero one
func (r *BatchRunner) startingPoint(ctx context.Context) (*entities.Checkpoint, error) {
	zero := &entities.Checkpoint{RunName: r.cfg.RunName}
	if !r.cfg.Resume || r.checkpoints == nil {
		return zero, nil
	}

	cp, err := r.checkpoints.Get(ctx, r.cfg.RunName)
	if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		return zero, nil
	}
	if err != nil {
		return nil, err
	}
	r.logger.Info().
		Str("run_name", cp.RunName).
		Str("previous_run_id", cp.RunID).
		Int("next_offset", cp.NextOffset).
		Msg("Resuming from checkpoint")
	return cp, nil
}

func (r *BatchRunner) checkpoint(ctx context.Context, summary *entities.RunSummary, prior *entities.Checkpoint) error {
	if r.checkpoints == nil {
		return nil
	}
	return r.checkpoints.Save(ctx, &entities.Checkpoint{
		RunName:      r.cfg.RunName,
		RunID:        summary.RunID,
		NextOffset:   summary.NextOffset,
		Total:        summary.Total,
		SuccessCount: prior.SuccessCount + summary.SuccessCount,
		FailureCount: prior.FailureCount + summary.FailureCount,
		UpdatedAt:    r.now().UTC(),
	})
}
