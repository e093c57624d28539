package providers

import (
	"context"

	"github.com/opyter/cromqc/pkg/imaging"
)

// Prediction is the output of the image model for one reading
type Prediction struct {
	Defective  bool
	Confidence float64
}

// Classifier defines the interface to the external image model.
// Implementations surface any model failure as an INFERENCE AppError.
type Classifier interface {
	// Classify runs inference on a normalized image tensor
	Classify(ctx context.Context, tensor *imaging.Tensor) (*Prediction, error)
}
