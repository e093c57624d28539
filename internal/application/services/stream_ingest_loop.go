package services

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/opyter/cromqc/internal/domain/entities"
	"github.com/opyter/cromqc/internal/domain/providers"
	"github.com/opyter/cromqc/internal/infrastructure/observability"
	apperrors "github.com/opyter/cromqc/pkg/errors"
	"github.com/opyter/cromqc/pkg/retry"
)

const streamPath = "stream"

// StreamLoopConfig holds the stream driver settings
type StreamLoopConfig struct {
	Tier          string
	Transport     string
	RecordTimeout time.Duration
	LockTTL       time.Duration
	Reconnect     retry.Config
}

// StreamStats are the running counters of a stream loop
type StreamStats struct {
	Received  int64 `json:"received"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// StreamIngestLoop consumes readings one at a time, enriches them and
// publishes the result. Entries are acknowledged after publish, or after a
// bad record has been logged, so delivery is at-least-once.
type StreamIngestLoop struct {
	source    providers.RecordSource
	publisher providers.ResultPublisher
	enricher  *RecordEnricher
	lock      providers.TierLock
	cfg       StreamLoopConfig
	metrics   *observability.Metrics
	logger    zerolog.Logger

	lease       providers.Lease
	lastRefresh time.Time

	received  atomic.Int64
	published atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// NewStreamIngestLoop creates a stream driver. lock may be nil to run uncoordinated.
func NewStreamIngestLoop(
	source providers.RecordSource,
	publisher providers.ResultPublisher,
	enricher *RecordEnricher,
	lock providers.TierLock,
	cfg StreamLoopConfig,
	metrics *observability.Metrics,
) *StreamIngestLoop {
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &StreamIngestLoop{
		source:    source,
		publisher: publisher,
		enricher:  enricher,
		lock:      lock,
		cfg:       cfg,
		metrics:   metrics,
		logger:    observability.ComponentLogger("stream_ingest"),
	}
}

// Stats returns a snapshot of the loop counters
func (l *StreamIngestLoop) Stats() StreamStats {
	return StreamStats{
		Received:  l.received.Load(),
		Published: l.published.Load(),
		Failed:    l.failed.Load(),
		Rejected:  l.rejected.Load(),
	}
}

// Run consumes until ctx is cancelled, which returns nil. It returns an error
// when the tier lock cannot be held or the channels fail in a way a
// reconnect cannot fix.
func (l *StreamIngestLoop) Run(ctx context.Context) error {
	if l.lock != nil {
		lease, err := l.lock.Acquire(ctx, l.cfg.Tier, l.cfg.LockTTL)
		if err != nil {
			return err
		}
		l.lease, l.lastRefresh = lease, time.Now()
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lease.Release(releaseCtx); err != nil {
				l.logger.Error().Err(err).Str("tier", l.cfg.Tier).Msg("Failed to release tier lock")
			}
			l.lease = nil
		}()
	}

	l.logger.Info().Str("tier", l.cfg.Tier).Str("transport", l.cfg.Transport).Msg("Stream ingest started")
	defer func() {
		s := l.Stats()
		l.logger.Info().
			Int64("received", s.Received).
			Int64("published", s.Published).
			Int64("failed", s.Failed).
			Int64("rejected", s.Rejected).
			Msg("Stream ingest stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		var deliveries []entities.Delivery
		err := l.withReconnect(ctx, "receive", func() error {
			var err error
			deliveries, err = l.source.Receive(ctx)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		for _, d := range deliveries {
			if err := l.handle(ctx, d); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// handle processes one entry. Only channel failures that outlast the
// reconnect policy and a lost lease are returned; a publish the channel
// rejects for the record itself is logged and acked.
func (l *StreamIngestLoop) handle(ctx context.Context, d entities.Delivery) error {
	l.received.Add(1)
	ctx, span := observability.StartSpan(ctx, "StreamIngestLoop.handle")
	defer span.End()
	logger := observability.WithTrace(ctx, l.logger).With().Str("message_id", d.ID).Logger()

	msg, err := entities.ParseInboundMessage(d.Payload)
	if err != nil {
		l.rejected.Add(1)
		observability.RecordFailure(ctx, l.metrics, streamPath, "validate")
		logger.Warn().Err(err).Msg("Rejected inbound message")
		return l.ack(ctx, d.ID)
	}

	reading := msg.Reading()
	recCtx, cancel := context.WithTimeout(ctx, l.cfg.RecordTimeout)
	result, err := l.enricher.Enrich(recCtx, &reading, msg.ImagePayload)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.failed.Add(1)
		observability.RecordFailure(ctx, l.metrics, streamPath, stageOf(err))
		logger.Warn().
			Err(err).
			Str("image_file", reading.ImageFile).
			Str("stage", stageOf(err)).
			Msg("Enrichment failed, skipping record")
		return l.ack(ctx, d.ID)
	}

	out := entities.NewOutboundMessage(msg, result)
	err = l.withReconnect(ctx, "publish", func() error {
		pubCtx, cancel := context.WithTimeout(ctx, l.cfg.RecordTimeout)
		defer cancel()
		return l.publisher.Publish(pubCtx, out)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var lost *leaseError
		if errors.As(err, &lost) || apperrors.IsType(err, apperrors.ErrorTypeConnection) {
			return err
		}
		l.failed.Add(1)
		observability.RecordFailure(ctx, l.metrics, streamPath, "publish")
		logger.Warn().
			Err(err).
			Str("image_file", reading.ImageFile).
			Msg("Publish rejected, skipping record")
		return l.ack(ctx, d.ID)
	}

	l.published.Add(1)
	observability.RecordEnriched(ctx, l.metrics, streamPath)
	observability.RecordPublished(ctx, l.metrics, l.cfg.Transport)
	logger.Debug().
		Str("image_file", reading.ImageFile).
		Bool("detection", result.Detection).
		Float64("confidence", result.Confidence).
		Int("defect_type", int(result.DefectType)).
		Msg("Record enriched")

	return l.ack(ctx, d.ID)
}

func (l *StreamIngestLoop) ack(ctx context.Context, id string) error {
	return l.withReconnect(ctx, "ack", func() error {
		return l.source.Ack(ctx, id)
	})
}

// withReconnect retries fn while it fails with a CONNECTION error. The tier
// lease is refreshed before every attempt.
func (l *StreamIngestLoop) withReconnect(ctx context.Context, op string, fn func() error) error {
	return retry.DoWithLog(ctx, l.cfg.Reconnect, "stream "+op,
		func() error {
			if err := l.keepLease(ctx); err != nil {
				if apperrors.IsType(err, apperrors.ErrorTypeConnection) {
					return err
				}
				return retry.Permanent(&leaseError{err: err})
			}
			err := fn()
			if err != nil && !apperrors.IsType(err, apperrors.ErrorTypeConnection) {
				return retry.Permanent(err)
			}
			return err
		},
		func(attempt int, err error, nextDelay time.Duration) {
			l.logger.Error().
				Err(err).
				Str("op", op).
				Int("attempt", attempt).
				Dur("next_delay", nextDelay).
				Msg("Channel unavailable, reconnecting")
		},
	)
}

// keepLease refreshes the tier lease once a third of its TTL has passed
func (l *StreamIngestLoop) keepLease(ctx context.Context) error {
	if l.lease == nil || time.Since(l.lastRefresh) <= l.cfg.LockTTL/3 {
		return nil
	}
	if err := l.lease.Refresh(ctx, l.cfg.LockTTL); err != nil {
		return err
	}
	l.lastRefresh = time.Now()
	return nil
}

// leaseError marks a lost tier lease so it is never taken for a record failure
type leaseError struct {
	err error
}

func (e *leaseError) Error() string { return "tier lease: " + e.err.Error() }
func (e *leaseError) Unwrap() error { return e.err }

// IsLockHeld reports whether err means another driver owns the tier
func IsLockHeld(err error) bool {
	return errors.Is(err, providers.ErrLockHeld)
}
