package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/opyter/cromqc/internal/domain/entities"
	"github.com/opyter/cromqc/internal/domain/providers"
	"github.com/opyter/cromqc/internal/domain/rules"
	"github.com/opyter/cromqc/pkg/config"
	apperrors "github.com/opyter/cromqc/pkg/errors"
	"github.com/opyter/cromqc/pkg/imaging"
)

// Mocks

type MockClassifier struct {
	mock.Mock
}

func (m *MockClassifier) Classify(ctx context.Context, tensor *imaging.Tensor) (*providers.Prediction, error) {
	args := m.Called(ctx, tensor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*providers.Prediction), args.Error(1)
}

type MockCheckpointRepo struct {
	mock.Mock
}

func (m *MockCheckpointRepo) Get(ctx context.Context, runName string) (*entities.Checkpoint, error) {
	args := m.Called(ctx, runName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.Checkpoint), args.Error(1)
}

func (m *MockCheckpointRepo) Save(ctx context.Context, cp *entities.Checkpoint) error {
	args := m.Called(ctx, cp)
	return args.Error(0)
}

// Fakes

func pngBase64(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: 128, B: uint8(y * 16), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func newTestEnricher(t *testing.T, classifier providers.Classifier) *RecordEnricher {
	t.Helper()
	normalizer, err := imaging.NewNormalizer(config.ImagingConfig{
		Width:  8,
		Height: 8,
		Mean:   []float64{0.485, 0.456, 0.406},
		Std:    []float64{0.229, 0.224, 0.225},
	})
	require.NoError(t, err)
	return NewRecordEnricher(normalizer, classifier, rules.NewEngine(rules.DefaultThresholds()), nil)
}

// memoryStaging serves a fixed join ordered by index
type memoryStaging struct {
	rows     []*entities.StagedRow
	fetchErr error
	counts   int
}

func newMemoryStaging(t *testing.T, n int) *memoryStaging {
	encoded := []byte(pngBase64(t))
	s := &memoryStaging{}
	for i := 0; i < n; i++ {
		file := imageName(i)
		s.rows = append(s.rows, &entities.StagedRow{
			Reading: entities.SensorReading{Index: int64(i), Lot: 1, PH: 2, Temp: 45, Voltage: 15, Date: "2024-05-02", ImageFile: file},
			Image:   &entities.ImageAsset{ImageFile: file, Encoded: encoded},
		})
	}
	return s
}

func imageName(i int) string {
	return "crom_" + string(rune('a'+i/26)) + string(rune('a'+i%26)) + ".png"
}

func (s *memoryStaging) Tier() string { return "data_warehouse" }

func (s *memoryStaging) CountJoined(ctx context.Context) (int, error) {
	s.counts++
	return len(s.rows), nil
}

func (s *memoryStaging) FetchChunk(ctx context.Context, offset, limit int) ([]*entities.StagedRow, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if offset >= len(s.rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.rows) {
		end = len(s.rows)
	}
	return s.rows[offset:end], nil
}

// memoryResults is an idempotent destination keyed by image file. Conflicts
// resolve like the postgres upsert.
type memoryResults struct {
	mu       sync.Mutex
	rows     map[string]entities.EnrichedRow
	upserts  int
	failures int
	failErr  error
	schema   bool
}

func newMemoryResults() *memoryResults {
	return &memoryResults{rows: make(map[string]entities.EnrichedRow)}
}

func (r *memoryResults) Tier() string { return "data_mart" }

func (r *memoryResults) EnsureSchema(ctx context.Context) error {
	r.schema = true
	return nil
}

func (r *memoryResults) UpsertChunk(ctx context.Context, rows []*entities.EnrichedRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	if r.failures > 0 {
		r.failures--
		if r.failErr != nil {
			return r.failErr
		}
		return apperrors.NewUpsertError("deadlock detected", nil)
	}
	for _, row := range rows {
		next := *row
		if prev, ok := r.rows[row.Reading.ImageFile]; ok {
			next.ArrivedAt = prev.ArrivedAt
			if sameVerdict(prev.Result, next.Result) {
				next.Result.EnrichedAt = prev.Result.EnrichedAt
			}
		}
		r.rows[row.Reading.ImageFile] = next
	}
	return nil
}

func sameVerdict(a, b entities.ClassificationResult) bool {
	return a.Detection == b.Detection && a.Confidence == b.Confidence && a.DefectType == b.DefectType
}

func (r *memoryResults) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.rows))
	for k := range r.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
