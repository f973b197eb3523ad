package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesTasks(t *testing.T) {
	pool, err := New(Config{Workers: 4, QueueSize: 8}, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true, Data: task.Payload.(int) * 2}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	for i := 0; i < 20; i++ {
		result, err := pool.SubmitWait(context.Background(), &Task{ID: "t", Payload: i})
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, i*2, result.Data)
	}
	assert.Equal(t, int64(20), pool.Stats().TasksCompleted)
}

func TestPoolRetries(t *testing.T) {
	var calls int32
	pool, err := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 2, RetryDelay: time.Millisecond},
		func(ctx context.Context, task *Task) *Result {
			if atomic.AddInt32(&calls, 1) < 3 {
				return &Result{Error: errors.New("transient")}
			}
			return &Result{Success: true}
		}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	result, err := pool.SubmitWait(context.Background(), &Task{ID: "retry"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, int64(2), pool.Stats().TasksRetried)
}

func TestPoolSkipsRetryForTerminalErrors(t *testing.T) {
	terminal := errors.New("rejected")
	var calls int32
	pool, err := New(Config{
		Workers:    1,
		QueueSize:  1,
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
		Retryable:  func(err error) bool { return !errors.Is(err, terminal) },
	}, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt32(&calls, 1)
		return &Result{Error: terminal}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	result, err := pool.SubmitWait(context.Background(), &Task{ID: "terminal"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, terminal)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPoolRejectsAfterStop(t *testing.T) {
	pool, err := New(DefaultConfig(), func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	require.NoError(t, pool.Stop())
	require.NoError(t, pool.Stop())

	_, err = pool.Submit(context.Background(), &Task{ID: "late"})
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestNewRequiresWorkerFunc(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}
