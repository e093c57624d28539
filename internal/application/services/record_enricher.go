package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opyter/cromqc/internal/domain/entities"
	"github.com/opyter/cromqc/internal/domain/providers"
	"github.com/opyter/cromqc/internal/domain/rules"
	"github.com/opyter/cromqc/internal/infrastructure/observability"
	apperrors "github.com/opyter/cromqc/pkg/errors"
	"github.com/opyter/cromqc/pkg/imaging"
)

// Stage names the enrichment step a reading failed in
type Stage string

const (
	StageImage     Stage = "image"
	StageDecode    Stage = "decode"
	StageNormalize Stage = "normalize"
	StageClassify  Stage = "classify"
)

// EnrichmentError is the per-reading failure returned by RecordEnricher.
// DefectType is still the rule-engine code of the reading's sensor values.
type EnrichmentError struct {
	Stage      Stage
	ReadingRef string
	DefectType entities.DefectType
	Err        error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrich %s failed at %s: %v", e.ReadingRef, e.Stage, e.Err)
}

func (e *EnrichmentError) Unwrap() error {
	return e.Err
}

// RecordEnricher composes image decoding, normalization, classification and
// the defect rules into one transform
type RecordEnricher struct {
	normalizer *imaging.Normalizer
	classifier providers.Classifier
	rules      *rules.Engine
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewRecordEnricher creates an enricher; metrics may be nil
func NewRecordEnricher(
	normalizer *imaging.Normalizer,
	classifier providers.Classifier,
	engine *rules.Engine,
	metrics *observability.Metrics,
) *RecordEnricher {
	return &RecordEnricher{
		normalizer: normalizer,
		classifier: classifier,
		rules:      engine,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Enrich classifies the image of a reading and tags it with the rule-engine
// defect type. payload is the transport-encoded image; any failure is an
// *EnrichmentError. The defect type is computed from the sensor values
// regardless of the model's detection flag.
func (e *RecordEnricher) Enrich(ctx context.Context, reading *entities.SensorReading, payload any) (*entities.ClassificationResult, error) {
	ctx, span := observability.StartSpan(ctx, "RecordEnricher.Enrich")
	defer span.End()
	span.SetAttributes(attribute.String("image_file", reading.ImageFile))

	defect := e.rules.ClassifyReading(reading)
	fail := func(stage Stage, err error) error {
		observability.RecordError(span, err)
		return &EnrichmentError{Stage: stage, ReadingRef: reading.ImageFile, DefectType: defect, Err: err}
	}

	img, err := imaging.DecodePayload(payload)
	if err != nil {
		return nil, fail(StageDecode, err)
	}

	tensor, err := e.normalizer.Normalize(img)
	if err != nil {
		return nil, fail(StageNormalize, apperrors.NewDecodeError(apperrors.DecodeReasonUnsupportedFormat, "failed to normalize image", err))
	}

	start := time.Now()
	pred, err := e.classifier.Classify(ctx, tensor)
	observability.RecordInference(ctx, e.metrics, time.Since(start), err == nil)
	if err != nil {
		if !apperrors.IsType(err, apperrors.ErrorTypeInference) {
			err = apperrors.NewInferenceError("classifier failed", err)
		}
		return nil, fail(StageClassify, err)
	}
	if pred == nil || math.IsNaN(pred.Confidence) || pred.Confidence < 0 || pred.Confidence > 1 {
		return nil, fail(StageClassify, apperrors.NewInferenceError("classifier returned an invalid prediction", nil))
	}

	return &entities.ClassificationResult{
		ReadingRef: reading.ImageFile,
		Index:      reading.Index,
		Detection:  pred.Defective,
		Confidence: pred.Confidence,
		DefectType: defect,
		EnrichedAt: e.now().UTC(),
	}, nil
}

// stageOf returns the failure stage label of an enrichment error
func stageOf(err error) string {
	var ee *EnrichmentError
	if errors.As(err, &ee) {
		return string(ee.Stage)
	}
	return "unknown"
}
