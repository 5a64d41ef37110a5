package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"exsa/internal/queue"
	"exsa/internal/sampler"
)

func TestWaitForDrainReturnsAsSoonAsActiveCountDrops(t *testing.T) {
	q := queue.New(4)
	_, err := q.Submit(context.Background(), "hello", sampler.Default(), nil)
	require.NoError(t, err)
	req, ok := q.Next(context.Background())
	require.True(t, ok)
	q.MarkActive()

	done := make(chan struct{})
	go func() {
		waitForDrain(q, 2*time.Second)
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("waitForDrain returned before the active request finished")
	default:
	}

	q.Release(req)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waitForDrain did not return after the active count dropped to zero")
	}
}

func TestWaitForDrainTimesOutWithoutHanging(t *testing.T) {
	q := queue.New(4)
	q.MarkActive()

	start := time.Now()
	waitForDrain(q, 200*time.Millisecond)
	require.Less(t, time.Since(start), time.Second)
}
