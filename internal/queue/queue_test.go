package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"exsa/internal/apierrors"
	"exsa/internal/sampler"
)

type fakeModel struct{ name string }

func (m fakeModel) Name() string { return m.name }

var testModel = fakeModel{name: "test-model.gguf"}

func TestSubmitAndNextRoundTrip(t *testing.T) {
	q := New(2)
	h, err := q.Submit(context.Background(), "hello", sampler.Default(), testModel)
	require.NoError(t, err)
	require.NotEmpty(t, h.ID)

	req, ok := q.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, h.ID, req.ID)
	require.Equal(t, "hello", req.Prompt)
}

func TestSubmitReturnsQueueFullAtCapacity(t *testing.T) {
	q := New(1)
	_, err := q.Submit(context.Background(), "first", sampler.Default(), testModel)
	require.NoError(t, err)

	_, err = q.Submit(context.Background(), "second", sampler.Default(), testModel)
	require.Error(t, err)
	require.True(t, errors.Is(err, apierrors.ErrQueueFull))
}

func TestReleaseFreesAdmissionSlot(t *testing.T) {
	q := New(1)
	h1, err := q.Submit(context.Background(), "first", sampler.Default(), testModel)
	require.NoError(t, err)

	_, err = q.Submit(context.Background(), "second", sampler.Default(), testModel)
	require.Error(t, err)

	req, ok := q.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, h1.ID, req.ID)
	q.MarkActive()
	req.Complete(Result{})
	q.Release(req)

	h2, err := q.Submit(context.Background(), "third", sampler.Default(), testModel)
	require.NoError(t, err)
	require.NotEmpty(t, h2.ID)
}

func TestSubmitRejectsAfterClose(t *testing.T) {
	q := New(2)
	q.Close()
	_, err := q.Submit(context.Background(), "hello", sampler.Default(), testModel)
	require.Error(t, err)
}

func TestNextUnblocksOnContextCancel(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Next(ctx)
	require.False(t, ok)
}

func TestRequestCancelledReflectsCancel(t *testing.T) {
	q := New(1)
	h, err := q.Submit(context.Background(), "hello", sampler.Default(), testModel)
	require.NoError(t, err)
	req, ok := q.Next(context.Background())
	require.True(t, ok)
	require.False(t, req.Cancelled())

	h.Cancel()
	require.True(t, req.Cancelled())
}

func TestPendingAndActiveCounts(t *testing.T) {
	q := New(2)
	require.Equal(t, 0, q.PendingCount())
	_, err := q.Submit(context.Background(), "a", sampler.Default(), testModel)
	require.NoError(t, err)
	require.Equal(t, 1, q.PendingCount())

	req, ok := q.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, 0, q.PendingCount())

	q.MarkActive()
	require.Equal(t, 1, q.ActiveCount())
	req.Complete(Result{})
	q.Release(req)
	require.Equal(t, 0, q.ActiveCount())
}
