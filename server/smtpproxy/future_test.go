package smtpproxy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureSettlesOnce(t *testing.T) {
	f := NewFuture[int]()
	assert.False(t, f.Settled())

	assert.True(t, f.Resolve(7))
	assert.False(t, f.Resolve(8))
	assert.False(t, f.Reject(errors.New("late")))
	assert.True(t, f.Settled())

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestFutureReject(t *testing.T) {
	f := NewFuture[string]()
	boom := errors.New("boom")

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Reject(boom)
	}()

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
	<-f.Done()
}

func TestFutureWaitReturnsContextCause(t *testing.T) {
	f := NewFuture[int]()
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrTimeout)

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestDelayFires(t *testing.T) {
	var fired atomic.Bool
	d := NewDelay(10*time.Millisecond, func() { fired.Store(true) })

	require.NoError(t, d.Wait(context.Background()))
	assert.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
	assert.False(t, d.Cancel(), "cancel after firing reports false")
}

func TestDelayCancel(t *testing.T) {
	var fired atomic.Bool
	d := NewDelay(50*time.Millisecond, func() { fired.Store(true) })
	assert.True(t, d.Cancel())

	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)
}
