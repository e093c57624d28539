package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/opyter/cromqc/internal/domain/entities"
	"github.com/opyter/cromqc/internal/domain/providers"
	apperrors "github.com/opyter/cromqc/pkg/errors"
	"github.com/opyter/cromqc/pkg/retry"
)

type sourceStep struct {
	deliveries []entities.Delivery
	err        error
}

// fakeSource replays steps and cancels the loop once drained
type fakeSource struct {
	mu      sync.Mutex
	steps   []sourceStep
	cancel  context.CancelFunc
	acked   []string
	ackErrs int
}

func (s *fakeSource) Receive(ctx context.Context) ([]entities.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		s.cancel()
		return nil, nil
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step.deliveries, step.err
}

func (s *fakeSource) Ack(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackErrs > 0 {
		s.ackErrs--
		return apperrors.NewConnectionError("ack failed", nil)
	}
	s.acked = append(s.acked, id)
	return nil
}

func (s *fakeSource) Close() error { return nil }

type fakePublisher struct {
	mu        sync.Mutex
	published []*entities.OutboundMessage
	failures  int
	failErr   error
}

func (p *fakePublisher) Publish(ctx context.Context, msg *entities.OutboundMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		if p.failErr != nil {
			return p.failErr
		}
		return apperrors.NewConnectionError("output channel unreachable", nil)
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func inboundPayload(t *testing.T, index int, temp, voltage, pH float64, image string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"Index":          index,
		"Lot":            1,
		"Time":           "09:15:00",
		"pH":             pH,
		"Temp":           temp,
		"Voltage":        voltage,
		"Date":           "2024-05-02",
		"image_filename": fmt.Sprintf("crom_%04d.png", index),
		"image_base64":   image,
	})
	require.NoError(t, err)
	return data
}

func newTestStreamLoop(t *testing.T, source *fakeSource, publisher *fakePublisher, classifier providers.Classifier, lock providers.TierLock) (*StreamIngestLoop, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	source.cancel = cancel

	loop := NewStreamIngestLoop(source, publisher, newTestEnricher(t, classifier), lock, StreamLoopConfig{
		Tier:          "data_lake",
		Transport:     "redis",
		RecordTimeout: time.Second,
		Reconnect:     fastRetry(0),
	}, nil)
	return loop, ctx
}

func TestStreamIngestLoop_Run_PublishesAndAcks(t *testing.T) {
	classifier := new(MockClassifier)
	classifier.On("Classify", mock.Anything, mock.Anything).Return(&providers.Prediction{Defective: true, Confidence: 0.97}, nil)

	img := pngBase64(t)
	source := &fakeSource{steps: []sourceStep{
		{deliveries: []entities.Delivery{
			{ID: "1-0", Payload: inboundPayload(t, 1, 55, 30, 2, img)},
			{ID: "2-0", Payload: inboundPayload(t, 2, 20, 10, 0.5, img)},
		}},
		{},
		{deliveries: []entities.Delivery{{ID: "3-0", Payload: inboundPayload(t, 3, 45, 15, 2, img)}}},
	}}
	publisher := &fakePublisher{}
	loop, ctx := newTestStreamLoop(t, source, publisher, classifier, nil)

	require.NoError(t, loop.Run(ctx))

	assert.Equal(t, []string{"1-0", "2-0", "3-0"}, source.acked)
	require.Len(t, publisher.published, 3)

	first := publisher.published[0]
	assert.Equal(t, 1, first.Detection)
	assert.Equal(t, 0.97, first.ConfidenceScore)
	assert.Equal(t, 1, first.DefectiveType)
	assert.Equal(t, "crom_0001.png", first.ReadingKey)
	assert.Equal(t, img, first.ImageBase64)
	assert.Equal(t, 3, publisher.published[1].DefectiveType)
	assert.Equal(t, 0, publisher.published[2].DefectiveType)

	stats := loop.Stats()
	assert.Equal(t, StreamStats{Received: 3, Published: 3}, stats)
}

func TestStreamIngestLoop_Run_BadRecordsAreAckedAndSkipped(t *testing.T) {
	classifier := new(MockClassifier)
	classifier.On("Classify", mock.Anything, mock.Anything).Return(&providers.Prediction{Confidence: 0.6}, nil)

	source := &fakeSource{steps: []sourceStep{{deliveries: []entities.Delivery{
		{ID: "1-0", Payload: []byte(`{"Index": 1`)},
		{ID: "2-0", Payload: inboundPayload(t, 2, 20, 10, 0.5, "bm90IGFuIGltYWdl")},
		{ID: "3-0", Payload: inboundPayload(t, 3, 45, 15, 2, pngBase64(t))},
	}}}}
	publisher := &fakePublisher{}
	loop, ctx := newTestStreamLoop(t, source, publisher, classifier, nil)

	require.NoError(t, loop.Run(ctx))

	assert.Equal(t, []string{"1-0", "2-0", "3-0"}, source.acked)
	require.Len(t, publisher.published, 1)
	assert.Equal(t, int64(3), publisher.published[0].Index)
	assert.Equal(t, StreamStats{Received: 3, Published: 1, Failed: 1, Rejected: 1}, loop.Stats())
	classifier.AssertNumberOfCalls(t, "Classify", 1)
}

func TestStreamIngestLoop_Run_ReconnectsOnChannelLoss(t *testing.T) {
	classifier := new(MockClassifier)
	classifier.On("Classify", mock.Anything, mock.Anything).Return(&providers.Prediction{Confidence: 0.6}, nil)

	source := &fakeSource{
		steps: []sourceStep{
			{err: apperrors.NewConnectionError("input channel unreachable", nil)},
			{err: apperrors.NewConnectionError("input channel unreachable", nil)},
			{deliveries: []entities.Delivery{{ID: "1-0", Payload: inboundPayload(t, 1, 45, 15, 2, pngBase64(t))}}},
		},
		ackErrs: 1,
	}
	publisher := &fakePublisher{failures: 2}
	loop, ctx := newTestStreamLoop(t, source, publisher, classifier, nil)

	require.NoError(t, loop.Run(ctx))

	assert.Equal(t, []string{"1-0"}, source.acked)
	assert.Len(t, publisher.published, 1)
	classifier.AssertNumberOfCalls(t, "Classify", 1)
}

func TestStreamIngestLoop_Run_RejectedPublishIsSkipped(t *testing.T) {
	classifier := new(MockClassifier)
	classifier.On("Classify", mock.Anything, mock.Anything).Return(&providers.Prediction{Confidence: 0.6}, nil)

	img := pngBase64(t)
	source := &fakeSource{steps: []sourceStep{{deliveries: []entities.Delivery{
		{ID: "1-0", Payload: inboundPayload(t, 1, 45, 15, 2, img)},
		{ID: "2-0", Payload: inboundPayload(t, 2, 45, 15, 2, img)},
	}}}}
	publisher := &fakePublisher{failures: 1, failErr: apperrors.NewInternalError("message too large", nil)}
	loop, ctx := newTestStreamLoop(t, source, publisher, classifier, nil)

	require.NoError(t, loop.Run(ctx))

	assert.Equal(t, []string{"1-0", "2-0"}, source.acked)
	require.Len(t, publisher.published, 1)
	assert.Equal(t, int64(2), publisher.published[0].Index)
	assert.Equal(t, StreamStats{Received: 2, Published: 1, Failed: 1}, loop.Stats())
}

// encodingPublisher serializes like the transport adapters do
type encodingPublisher struct {
	fakePublisher
}

func (p *encodingPublisher) Publish(ctx context.Context, msg *entities.OutboundMessage) error {
	if _, err := json.Marshal(msg); err != nil {
		return apperrors.NewInternalError("failed to marshal outbound message", err)
	}
	return p.fakePublisher.Publish(ctx, msg)
}

func TestStreamIngestLoop_Run_NaNConfidenceDoesNotStall(t *testing.T) {
	classifier := new(MockClassifier)
	classifier.On("Classify", mock.Anything, mock.Anything).
		Return(&providers.Prediction{Defective: true, Confidence: math.NaN()}, nil).Once()
	classifier.On("Classify", mock.Anything, mock.Anything).
		Return(&providers.Prediction{Confidence: 0.4}, nil).Once()

	img := pngBase64(t)
	source := &fakeSource{steps: []sourceStep{{deliveries: []entities.Delivery{
		{ID: "1-0", Payload: inboundPayload(t, 1, 45, 15, 2, img)},
		{ID: "2-0", Payload: inboundPayload(t, 2, 45, 15, 2, img)},
	}}}}
	publisher := &encodingPublisher{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	source.cancel = cancel

	loop := NewStreamIngestLoop(source, publisher, newTestEnricher(t, classifier), nil, StreamLoopConfig{
		Tier:      "data_lake",
		Transport: "redis",
		Reconnect: fastRetry(0),
	}, nil)

	require.NoError(t, loop.Run(ctx))

	assert.Equal(t, []string{"1-0", "2-0"}, source.acked)
	require.Len(t, publisher.published, 1)
	assert.Equal(t, int64(2), publisher.published[0].Index)
	assert.Equal(t, StreamStats{Received: 2, Published: 1, Failed: 1}, loop.Stats())
}

func TestStreamIngestLoop_Run_LeaseLostDuringReconnect(t *testing.T) {
	classifier := new(MockClassifier)
	classifier.On("Classify", mock.Anything, mock.Anything).Return(&providers.Prediction{Confidence: 0.6}, nil)

	lease := new(MockLease)
	lease.On("Refresh", mock.Anything, 30*time.Millisecond).Return(fmt.Errorf("tier data_lake: %w", providers.ErrLockLost)).Once()
	lease.On("Release", mock.Anything).Return(nil).Once()
	lock := new(MockTierLock)
	lock.On("Acquire", mock.Anything, "data_lake", 30*time.Millisecond).Return(lease, nil)

	source := &fakeSource{steps: []sourceStep{{deliveries: []entities.Delivery{
		{ID: "1-0", Payload: inboundPayload(t, 1, 45, 15, 2, pngBase64(t))},
	}}}}
	publisher := &fakePublisher{failures: 1000}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	source.cancel = cancel

	loop := NewStreamIngestLoop(source, publisher, newTestEnricher(t, classifier), lock, StreamLoopConfig{
		Tier:      "data_lake",
		Transport: "redis",
		LockTTL:   30 * time.Millisecond,
		Reconnect: retry.Config{InitialDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 1},
	}, nil)

	err := loop.Run(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, providers.ErrLockLost)
	assert.NoError(t, ctx.Err(), "reconnect stopped on the lost lease, not on the deadline")
	assert.Empty(t, source.acked)
	assert.Empty(t, publisher.published)
	lease.AssertExpectations(t)
}

func TestStreamIngestLoop_Run_LockHeld(t *testing.T) {
	lock := new(MockTierLock)
	lock.On("Acquire", mock.Anything, "data_lake", 2*time.Minute).
		Return(nil, fmt.Errorf("tier data_lake: %w", providers.ErrLockHeld))

	source := &fakeSource{}
	loop, ctx := newTestStreamLoop(t, source, &fakePublisher{}, new(MockClassifier), lock)

	err := loop.Run(ctx)

	assert.True(t, IsLockHeld(err))
	assert.Equal(t, int64(0), loop.Stats().Received)
}

func TestStreamIngestLoop_Run_ReleasesLease(t *testing.T) {
	lease := new(MockLease)
	lease.On("Release", mock.Anything).Return(nil).Once()
	lock := new(MockTierLock)
	lock.On("Acquire", mock.Anything, "data_lake", mock.Anything).Return(lease, nil)

	loop, ctx := newTestStreamLoop(t, &fakeSource{}, &fakePublisher{}, new(MockClassifier), lock)

	require.NoError(t, loop.Run(ctx))
	lease.AssertExpectations(t)
}
