package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/n8nstream/pkg/jsonvalue"
	"github.com/tcmartin/n8nstream/pkg/logging"
	"github.com/tcmartin/n8nstream/pkg/models"
	"github.com/tcmartin/n8nstream/pkg/n8n"
)

// MockGetter is a mock implementation of ExecutionGetter
type MockGetter struct {
	mock.Mock
}

func (m *MockGetter) GetExecution(ctx context.Context, id string) (*models.N8nExecution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.N8nExecution), args.Error(1)
}

func newPoller(getter ExecutionGetter) *Poller {
	p := New(getter, 10*time.Millisecond, logging.NewDiscard())
	return p
}

func TestPollZeroBudgetDoesNotFetch(t *testing.T) {
	getter := new(MockGetter)
	p := newPoller(getter)

	result := p.Poll(context.Background(), "abc", 0, time.Now())

	assert.False(t, result.Success)
	assert.True(t, result.TimedOut)
	assert.Equal(t, "abc", result.ExecutionID)
	getter.AssertNotCalled(t, "GetExecution", mock.Anything, mock.Anything)
}

func TestPollErrorWithStopTimestampIsTerminal(t *testing.T) {
	stopped := time.Now()
	data, err := jsonvalue.Parse([]byte(`{"resultData":{"error":{"message":"Node failed","error":{"message":"Bad credentials"}}}}`))
	require.NoError(t, err)

	getter := new(MockGetter)
	getter.On("GetExecution", mock.Anything, "abc").Return(&models.N8nExecution{
		ID:        "abc",
		Finished:  false,
		Status:    models.ExecutionError,
		StoppedAt: &stopped,
		Data:      data,
	}, nil).Once()

	result := newPoller(getter).Poll(context.Background(), "abc", time.Second, time.Now())

	assert.False(t, result.Success)
	assert.False(t, result.TimedOut)
	assert.Equal(t, "Bad credentials", result.Error)
	getter.AssertExpectations(t)
}

func TestPollRetriesUntilSuccess(t *testing.T) {
	data, err := jsonvalue.Parse([]byte(`{"resultData":{"runData":{"Reply":[{"data":{"answer":42}}]}}}`))
	require.NoError(t, err)

	getter := new(MockGetter)
	getter.On("GetExecution", mock.Anything, "abc").Return(nil, n8n.ErrNotFound).Once()
	getter.On("GetExecution", mock.Anything, "abc").Return(nil, errors.New("connection reset")).Once()
	getter.On("GetExecution", mock.Anything, "abc").Return(&models.N8nExecution{ID: "abc", Status: models.ExecutionRunning}, nil).Once()
	getter.On("GetExecution", mock.Anything, "abc").Return(&models.N8nExecution{
		ID:       "abc",
		Finished: true,
		Status:   models.ExecutionSuccess,
		Data:     data,
	}, nil).Once()

	p := newPoller(getter)
	var sleeps int
	p.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		assert.Equal(t, 10*time.Millisecond, d)
		return nil
	}

	result := p.Poll(context.Background(), "abc", time.Minute, time.Now())

	assert.True(t, result.Success)
	assert.Equal(t, `{"answer":42}`, result.Data.String())
	assert.Equal(t, "abc", result.ExecutionID)
	assert.Equal(t, 3, sleeps)
	getter.AssertExpectations(t)
}

func TestPollCanceledExecution(t *testing.T) {
	stopped := time.Now()
	getter := new(MockGetter)
	getter.On("GetExecution", mock.Anything, "abc").Return(&models.N8nExecution{
		ID:        "abc",
		Status:    models.ExecutionCanceled,
		StoppedAt: &stopped,
	}, nil)

	result := newPoller(getter).Poll(context.Background(), "abc", time.Second, time.Now())

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "was canceled")
}

func TestPollTimesOut(t *testing.T) {
	getter := new(MockGetter)
	getter.On("GetExecution", mock.Anything, "abc").Return(&models.N8nExecution{ID: "abc", Status: models.ExecutionRunning}, nil)

	result := newPoller(getter).Poll(context.Background(), "abc", 50*time.Millisecond, time.Now())

	assert.False(t, result.Success)
	assert.True(t, result.TimedOut)
	assert.Contains(t, result.Error, "Timed out")
}

func TestPollParentCanceled(t *testing.T) {
	getter := new(MockGetter)
	getter.On("GetExecution", mock.Anything, "abc").Return(nil, n8n.ErrNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := newPoller(getter).Poll(ctx, "abc", time.Minute, time.Now())
	assert.False(t, result.Success)
	assert.False(t, result.TimedOut)
}
