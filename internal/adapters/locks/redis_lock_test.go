package locks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/opyter/cromqc/internal/domain/providers"
	apperrors "github.com/opyter/cromqc/pkg/errors"
)

type MockLockClient struct {
	mock.Mock
}

func (m *MockLockClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	args := m.Called(ctx, key, value, expiration)
	return redis.NewBoolResult(args.Bool(0), args.Error(1))
}

func (m *MockLockClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	called := m.Called(ctx, script, keys, args)
	return redis.NewCmdResult(called.Get(0), called.Error(1))
}

func TestRedisTierLock_AcquireRefreshRelease(t *testing.T) {
	client := new(MockLockClient)
	ctx := context.Background()

	client.On("SetNX", ctx, "crom:lock:tier:data_mart", mock.AnythingOfType("string"), time.Minute).Return(true, nil).Once()

	lease, err := NewRedisTierLock(client).Acquire(ctx, "data_mart", time.Minute)
	require.NoError(t, err)
	owner := lease.Owner()
	assert.NotEmpty(t, owner)

	client.On("Eval", ctx, refreshScript, []string{"crom:lock:tier:data_mart"}, []interface{}{owner, int64(60000)}).
		Return(int64(1), nil).Once()
	require.NoError(t, lease.Refresh(ctx, time.Minute))

	client.On("Eval", ctx, releaseScript, []string{"crom:lock:tier:data_mart"}, []interface{}{owner}).
		Return(int64(1), nil).Once()
	require.NoError(t, lease.Release(ctx))

	client.AssertExpectations(t)
}

func TestRedisTierLock_Held(t *testing.T) {
	client := new(MockLockClient)
	client.On("SetNX", mock.Anything, "crom:lock:tier:data_mart", mock.Anything, mock.Anything).Return(false, nil).Once()

	_, err := NewRedisTierLock(client).Acquire(context.Background(), "data_mart", time.Minute)
	assert.ErrorIs(t, err, providers.ErrLockHeld)
}

func TestRedisTierLock_Unreachable(t *testing.T) {
	client := new(MockLockClient)
	client.On("SetNX", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("connection refused")).Once()

	_, err := NewRedisTierLock(client).Acquire(context.Background(), "data_mart", time.Minute)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConnection))
}

func TestRedisTierLock_RefreshAfterTakeover(t *testing.T) {
	client := new(MockLockClient)
	client.On("SetNX", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, nil).Once()
	client.On("Eval", mock.Anything, refreshScript, mock.Anything, mock.Anything).Return(int64(0), nil).Once()

	lease, err := NewRedisTierLock(client).Acquire(context.Background(), "near_realtime", time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, lease.Refresh(context.Background(), time.Second), providers.ErrLockLost)
}

func TestNoopTierLock(t *testing.T) {
	lease, err := NoopTierLock{}.Acquire(context.Background(), "any", time.Second)
	require.NoError(t, err)
	assert.NoError(t, lease.Refresh(context.Background(), time.Second))
	assert.NoError(t, lease.Release(context.Background()))
}
