// Package queue implements the bounded FIFO request queue (spec.md §4.1):
// asynchronous submission, a token-event stream, a one-shot completion
// signal, and a cancellation handle. Grounded on
// original_source/src/inference/queue.rs's RequestQueue/QueueHandle shape,
// translated from tokio mpsc/oneshot channels to Go channels, and on the
// teacher's semaphore-gated admission (main/types.go's seqsSem).
package queue

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"exsa/internal/apierrors"
	"exsa/internal/sampler"
)

// tokenSinkCapacity is the bounded size of each request's token channel
// (spec.md §4.1 "Backpressure").
const tokenSinkCapacity = 100

// TokenEvent is one token delta in a request's stream (spec.md §3).
type TokenEvent struct {
	Token string
	Done  bool
}

// Result is the single-shot completion outcome delivered after the last
// TokenEvent (or instead of any, on a failure before the first token).
type Result struct {
	Err             error
	PromptTokens    int
	GeneratedTokens int
	PromptMS        float64
	GenerationMS    float64
}

// ModelHandle is the narrow view the queue needs of a loaded model entry;
// internal/model.Handle satisfies this. Keeping it an interface here (rather
// than importing internal/model) avoids a dependency cycle, since the model
// manager has no reason to know about the queue.
type ModelHandle interface {
	Name() string
}

// Request is exclusively owned by whichever component currently holds it:
// the queue, then the worker, then dropped (spec.md §3 InferenceRequest).
type Request struct {
	ID     string
	Prompt string
	Params sampler.Params
	Model  ModelHandle

	ctx    context.Context
	cancel context.CancelFunc

	tokens chan TokenEvent
	result chan Result
}

// Cancelled reports whether the caller has cancelled or disconnected.
func (r *Request) Cancelled() bool {
	select {
	case <-r.ctx.Done():
		return true
	default:
		return false
	}
}

// Emit attempts a non-blocking send of a token event. The worker applies its
// own bounded-retry policy around this (spec.md §4.1); Emit itself just
// reports whether the send landed.
func (r *Request) Emit(ev TokenEvent) bool {
	select {
	case r.tokens <- ev:
		return true
	default:
		return false
	}
}

// Complete delivers the one-shot completion result and closes the token stream.
func (r *Request) Complete(res Result) {
	close(r.tokens)
	r.result <- res
	close(r.result)
}

// Handle is what Submit returns to the async caller: a receive-end for
// tokens, a receive-end for the completion result, and a cancellation handle.
type Handle struct {
	ID     string
	Tokens <-chan TokenEvent
	Result <-chan Result
	Cancel context.CancelFunc
}

// Queue is a bounded FIFO of capacity C. Only one consumer — the worker —
// drains it (spec.md §4.1).
type Queue struct {
	capacity int64
	admit    *semaphore.Weighted
	pending  chan *Request
	closed   atomic.Bool
	active   atomic.Int64
}

// New creates a queue with the given FIFO capacity.
func New(capacity int) *Queue {
	return &Queue{
		capacity: int64(capacity),
		admit:    semaphore.NewWeighted(int64(capacity)),
		pending:  make(chan *Request, capacity),
	}
}

// Submit admits a validated request. It never blocks: if the queue is at
// capacity, it returns apierrors.ErrQueueFull synchronously (spec.md §4.1,
// §8 scenario S4). Callers must have already validated params.
func (q *Queue) Submit(ctx context.Context, prompt string, params sampler.Params, model ModelHandle) (*Handle, error) {
	if q.closed.Load() {
		return nil, apierrors.New("queue.Submit", apierrors.ErrInternal, "queue is shut down")
	}
	if !q.admit.TryAcquire(1) {
		return nil, apierrors.New("queue.Submit", apierrors.ErrQueueFull, "request queue is at capacity")
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req := &Request{
		ID:     uuid.NewString(),
		Prompt: prompt,
		Params: params,
		Model:  model,
		ctx:    reqCtx,
		cancel: cancel,
		tokens: make(chan TokenEvent, tokenSinkCapacity),
		result: make(chan Result, 1),
	}

	select {
	case q.pending <- req:
	default:
		q.admit.Release(1)
		cancel()
		return nil, apierrors.New("queue.Submit", apierrors.ErrQueueFull, "request queue is at capacity")
	}

	return &Handle{ID: req.ID, Tokens: req.tokens, Result: req.result, Cancel: cancel}, nil
}

// Next blocks until a request is available or ctx is done — this is the
// worker's sole receive point (spec.md §5 "the worker thread... blocks on
// queue receive").
func (q *Queue) Next(ctx context.Context) (*Request, bool) {
	select {
	case req, ok := <-q.pending:
		return req, ok
	case <-ctx.Done():
		return nil, false
	}
}

// Release returns the admission slot held by req once the worker has fully
// finished it (streamed or errored), matching the teacher's
// seqsSem.Release(1) in removeSequence.
func (q *Queue) Release(req *Request) {
	q.active.Add(-1)
	q.admit.Release(1)
}

// MarkActive should be called by the worker the moment it begins processing
// a request, so PendingCount/ActiveCount reflect reality for /v1/status.
func (q *Queue) MarkActive() {
	q.active.Add(1)
}

// PendingCount is the number of requests waiting, not yet picked up.
func (q *Queue) PendingCount() int { return len(q.pending) }

// ActiveCount is the number of requests currently being processed.
func (q *Queue) ActiveCount() int { return int(q.active.Load()) }

// Capacity is the configured FIFO capacity C.
func (q *Queue) Capacity() int { return int(q.capacity) }

// Close refuses new submissions (spec.md §5 "Shutdown"). In-flight requests
// already admitted continue to completion.
func (q *Queue) Close() {
	q.closed.Store(true)
}

// Closed reports whether the queue has stopped accepting submissions.
func (q *Queue) Closed() bool { return q.closed.Load() }
