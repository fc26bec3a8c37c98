package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventOneShot(t *testing.T) {
	e := NewEvent(KindTransfer, "t0")
	assert.False(t, e.Signaled())

	e.Complete(nil)
	assert.True(t, e.Signaled())
	assert.NoError(t, e.Err())

	// Later completions are ignored.
	e.Complete(errors.New("late"))
	assert.NoError(t, e.Err())
}

func TestEventWaitReturnsError(t *testing.T) {
	e := NewEvent(KindInvoke, "s0")
	want := errors.New("kernel fault")

	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Complete(want)
	}()

	err := e.Wait(context.Background())
	assert.ErrorIs(t, err, want)
}

func TestEventWaitCanceled(t *testing.T) {
	e := NewEvent(KindInvoke, "s0")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := e.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, e.Signaled())
}

func TestEventTimestamps(t *testing.T) {
	e := NewEvent(KindTransfer, "t0")
	queued, started, finished := e.Times()
	assert.False(t, queued.IsZero())
	assert.True(t, started.IsZero())
	assert.True(t, finished.IsZero())

	e.MarkStarted()
	e.Complete(nil)

	_, started, finished = e.Times()
	require.False(t, started.IsZero())
	require.False(t, finished.IsZero())
	assert.False(t, finished.Before(started))
}

func TestCompletedEvent(t *testing.T) {
	want := errors.New("boom")
	e := Completed(KindInvoke, "s1", want)
	assert.True(t, e.Signaled())
	assert.ErrorIs(t, e.Err(), want)
}

func TestWaitAllFirstError(t *testing.T) {
	ok := Completed(KindTransfer, "a", nil)
	bad := Completed(KindInvoke, "b", errors.New("fault"))
	pendingFree := Completed(KindTransfer, "c", nil)

	err := WaitAll(context.Background(), ok, bad, pendingFree)
	assert.Error(t, err)
}

func TestWaitAllSkipsNil(t *testing.T) {
	ok := Completed(KindTransfer, "a", nil)
	assert.NoError(t, WaitAll(context.Background(), nil, ok, nil))
}

func TestAwaitUpstreamNamesFailedProducer(t *testing.T) {
	bad := Completed(KindInvoke, "stage2", errors.New("fault"))

	err := AwaitUpstream(context.Background(), []*Event{bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage2")
}
