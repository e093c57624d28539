package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opyter/cromqc/internal/domain/entities"
	"github.com/opyter/cromqc/internal/domain/repositories"
	"github.com/opyter/cromqc/internal/infrastructure/observability"
	apperrors "github.com/opyter/cromqc/pkg/errors"
	"github.com/opyter/cromqc/pkg/retry"
)

const batchPath = "batch"

// BatchLoaderConfig holds the per-chunk settings
type BatchLoaderConfig struct {
	RecordTimeout time.Duration
	UpsertRetry   retry.Config
}

// BatchLoader enriches the rows of one page and upserts the successes in a
// single transaction. A failing row is counted and skipped; a failing
// upsert fails the whole chunk.
type BatchLoader struct {
	enricher *RecordEnricher
	results  repositories.ResultRepository
	cfg      BatchLoaderConfig
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// NewBatchLoader creates a loader writing into results
func NewBatchLoader(enricher *RecordEnricher, results repositories.ResultRepository, cfg BatchLoaderConfig, metrics *observability.Metrics) *BatchLoader {
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 30 * time.Second
	}
	if cfg.UpsertRetry.MaxAttempts <= 0 {
		cfg.UpsertRetry.MaxAttempts = 1
	}
	return &BatchLoader{
		enricher: enricher,
		results:  results,
		cfg:      cfg,
		metrics:  metrics,
		logger:   observability.ComponentLogger("batch_loader"),
		now:      time.Now,
	}
}

// LoadChunk processes one page. The returned batch carries the counts even
// when the upsert fails; in that case nothing from the chunk was committed.
func (l *BatchLoader) LoadChunk(ctx context.Context, page *Page) (*entities.ProcessingBatch, error) {
	ctx, span := observability.StartSpan(ctx, "BatchLoader.LoadChunk")
	defer span.End()
	span.SetAttributes(attribute.Int("offset", page.Offset), attribute.Int("rows", len(page.Rows)))
	logger := observability.WithTrace(ctx, l.logger)

	batch := &entities.ProcessingBatch{
		Offset:    page.Offset,
		ChunkSize: len(page.Rows),
		Rows:      len(page.Rows),
	}

	enriched := make([]*entities.EnrichedRow, 0, len(page.Rows))
	seen := make(map[string]int, len(page.Rows))
	arrivedAt := l.now().UTC()

	for _, row := range page.Rows {
		if err := ctx.Err(); err != nil {
			return batch, err
		}

		result, err := l.enrichRow(ctx, row)
		if err != nil {
			if ctx.Err() != nil {
				return batch, ctx.Err()
			}
			batch.FailureCount++
			observability.RecordFailure(ctx, l.metrics, batchPath, stageOf(err))
			logger.Warn().
				Err(err).
				Int64("index", row.Reading.Index).
				Str("image_file", row.Reading.ImageFile).
				Str("stage", stageOf(err)).
				Msg("Row enrichment failed, skipping")
			continue
		}

		observability.RecordEnriched(ctx, l.metrics, batchPath)
		er := &entities.EnrichedRow{
			Reading:   row.Reading,
			Image:     *row.Image,
			Result:    *result,
			ArrivedAt: arrivedAt,
		}
		// a chunk may not touch one conflict key twice; the later reading wins
		if i, dup := seen[row.Reading.ImageFile]; dup {
			logger.Warn().Str("image_file", row.Reading.ImageFile).Msg("Duplicate image file in chunk, keeping the later reading")
			enriched[i] = er
			batch.Superseded++
			continue
		}
		seen[row.Reading.ImageFile] = len(enriched)
		enriched = append(enriched, er)
	}
	batch.SuccessCount = len(enriched)

	start := time.Now()
	err := retry.DoWithLog(ctx, l.cfg.UpsertRetry, "upsert",
		func() error {
			err := l.results.UpsertChunk(ctx, enriched)
			if err != nil && !apperrors.IsType(err, apperrors.ErrorTypeUpsert) && !apperrors.IsType(err, apperrors.ErrorTypeConnection) {
				return retry.Permanent(err)
			}
			return err
		},
		func(attempt int, err error, nextDelay time.Duration) {
			logger.Warn().
				Err(err).
				Int("offset", page.Offset).
				Int("attempt", attempt).
				Dur("next_delay", nextDelay).
				Msg("Chunk upsert failed, retrying")
		},
	)
	observability.RecordChunkUpsert(ctx, l.metrics, l.results.Tier(), len(enriched), time.Since(start))
	if err != nil {
		observability.RecordError(span, err)
		if apperrors.IsType(err, apperrors.ErrorTypeUpsert) || apperrors.IsType(err, apperrors.ErrorTypeConnection) {
			return batch, err
		}
		return batch, apperrors.NewUpsertError(fmt.Sprintf("chunk at offset %d not committed", page.Offset), err)
	}

	return batch, nil
}

func (l *BatchLoader) enrichRow(ctx context.Context, row *entities.StagedRow) (*entities.ClassificationResult, error) {
	if row.Image == nil {
		defect := l.enricher.rules.ClassifyReading(&row.Reading)
		return nil, &EnrichmentError{
			Stage:      StageImage,
			ReadingRef: row.Reading.ImageFile,
			DefectType: defect,
			Err:        apperrors.NewNotFoundError(fmt.Sprintf("no image row for %s", row.Reading.ImageFile)),
		}
	}

	rowCtx, cancel := context.WithTimeout(ctx, l.cfg.RecordTimeout)
	defer cancel()
	return l.enricher.Enrich(rowCtx, &row.Reading, row.Image.Encoded)
}
