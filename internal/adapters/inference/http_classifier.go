package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/opyter/cromqc/internal/domain/providers"
	"github.com/opyter/cromqc/pkg/config"
	apperrors "github.com/opyter/cromqc/pkg/errors"
	"github.com/opyter/cromqc/pkg/imaging"
)

// defectiveClass is the model output index of the defective class
const defectiveClass = 1

// PredictRequest is the body posted to the model server
type PredictRequest struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// PredictResponse carries one row of class scores per input image.
// Scores may be logits or probabilities.
type PredictResponse struct {
	Predictions [][]float64 `json:"predictions"`
}

// HTTPClassifier implements providers.Classifier against a model server
type HTTPClassifier struct {
	endpoint   string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewHTTPClassifier creates a classifier for the configured endpoint.
// Consecutive failures open the circuit so a dead model server fails fast.
func NewHTTPClassifier(cfg config.ClassifierConfig) *HTTPClassifier {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	return &HTTPClassifier{
		endpoint: cfg.Endpoint,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "classifier",
			MaxRequests: 1,
			Timeout:     cfg.BreakerOpenDelay,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Classifier circuit breaker state changed")
			},
		}),
	}
}

var _ providers.Classifier = (*HTTPClassifier)(nil)

// Classify posts the tensor and reduces the class scores to a prediction
func (c *HTTPClassifier) Classify(ctx context.Context, tensor *imaging.Tensor) (*providers.Prediction, error) {
	if tensor == nil || len(tensor.Data) == 0 {
		return nil, apperrors.NewInferenceError("empty input tensor", nil)
	}

	body, err := json.Marshal(PredictRequest{Shape: tensor.Shape(), Data: tensor.Data})
	if err != nil {
		return nil, apperrors.NewInferenceError("failed to encode predict request", err)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		var resp PredictResponse
		if err := c.doJSON(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body), &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
	if err != nil {
		return nil, apperrors.NewInferenceError("model server call failed", err)
	}

	resp := out.(*PredictResponse)
	if len(resp.Predictions) != 1 {
		return nil, apperrors.NewInferenceError(fmt.Sprintf("expected 1 prediction row, got %d", len(resp.Predictions)), nil)
	}
	return Reduce(resp.Predictions[0])
}

func (c *HTTPClassifier) doJSON(ctx context.Context, method, endpoint string, body io.Reader, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("model server returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode model response: %w", err)
	}

	log.Debug().Dur("duration", time.Since(start)).Msg("Model server responded")
	return nil
}

// Reduce turns one row of binary class scores into a prediction. Scores that
// are not already a probability distribution are passed through softmax.
// Confidence is the probability of the predicted class rounded to 4 places.
func Reduce(scores []float64) (*providers.Prediction, error) {
	if len(scores) != 2 {
		return nil, apperrors.NewInferenceError(fmt.Sprintf("expected 2 class scores, got %d", len(scores)), nil)
	}
	for _, s := range scores {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, apperrors.NewInferenceError("model returned a non-finite score", nil)
		}
	}

	probs := scores
	if !isDistribution(scores) {
		probs = softmax(scores)
	}

	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}

	return &providers.Prediction{
		Defective:  best == defectiveClass,
		Confidence: math.Round(probs[best]*10000) / 10000,
	}, nil
}

func isDistribution(scores []float64) bool {
	sum := 0.0
	for _, s := range scores {
		if s < 0 || s > 1 {
			return false
		}
		sum += s
	}
	return math.Abs(sum-1) <= 1e-3
}

func softmax(scores []float64) []float64 {
	peak := scores[0]
	for _, s := range scores[1:] {
		if s > peak {
			peak = s
		}
	}
	out := make([]float64, len(scores))
	sum := 0.0
	for i, s := range scores {
		out[i] = math.Exp(s - peak)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
