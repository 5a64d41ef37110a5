// Package llama is the decoder-primitive boundary: tokenization, batched
// forward passes against llama.cpp, and KV-cache mutation. Nothing above this
// package touches tensors or the C heap directly.
package llama

import "errors"

// Token is a single vocabulary entry id.
type Token = int32

// ErrKvCacheFull is returned by Context.Decode when the batch does not fit
// in the remaining KV buffer and a defrag pass should be attempted.
var ErrKvCacheFull = errors.New("llama: kv cache full")

// Batch is a pending set of (token, position, sequence) entries to submit to
// Context.Decode. Built incrementally with Add, reused across calls via Clear.
type Batch struct {
	Tokens []Token
	Pos    []int32
	SeqIDs []int32
	Logits []bool
	cap    int
}

// NewBatch allocates a batch that can hold up to size entries.
func NewBatch(size int) *Batch {
	return &Batch{
		Tokens: make([]Token, 0, size),
		Pos:    make([]int32, 0, size),
		SeqIDs: make([]int32, 0, size),
		Logits: make([]bool, 0, size),
		cap:    size,
	}
}

// Add appends one entry to the batch.
func (b *Batch) Add(token Token, pos int32, seqID int32, wantLogits bool) {
	b.Tokens = append(b.Tokens, token)
	b.Pos = append(b.Pos, pos)
	b.SeqIDs = append(b.SeqIDs, seqID)
	b.Logits = append(b.Logits, wantLogits)
}

// NumTokens returns the number of entries currently staged.
func (b *Batch) NumTokens() int { return len(b.Tokens) }

// Cap returns the maximum number of entries this batch was allocated for.
func (b *Batch) Cap() int { return b.cap }

// Clear empties the batch for reuse without releasing its backing arrays.
func (b *Batch) Clear() {
	b.Tokens = b.Tokens[:0]
	b.Pos = b.Pos[:0]
	b.SeqIDs = b.SeqIDs[:0]
	b.Logits = b.Logits[:0]
}

// Free releases any backing resources. The pure-Go Batch has none; it exists
// so callers can defer Free() uniformly the way the teacher's batches do.
func (b *Batch) Free() {}

// Model is a loaded set of weights, shared read-only across any number of
// contexts. Safe for concurrent use by multiple goroutines.
type Model interface {
	// Tokenize splits text into vocabulary ids. addBOS requests a leading
	// beginning-of-sequence token; special allows special-token literals
	// in text to tokenize to their ids rather than as plain text.
	Tokenize(text string, addBOS bool, special bool) ([]Token, error)
	// TokenToPiece detokenizes a single id to its text fragment.
	TokenToPiece(tok Token) string
	// TokenIsEog reports whether tok is one of the model's end-of-generation tokens.
	TokenIsEog(tok Token) bool
	// AddBOSToken reports whether this model's vocabulary wants an explicit
	// leading BOS token prepended during tokenization.
	AddBOSToken() bool
	// NVocab returns the size of the model's vocabulary.
	NVocab() int
	// ApplyLoraFromFile applies a LoRA adapter to ctx at the given scale.
	ApplyLoraFromFile(ctx Context, path string, scale float32, threads int) error
	Close()
}

// Context is one decoding session against a Model: the KV buffer and its
// positions. Per spec, exclusively owned by the inference worker goroutine —
// nothing else may call into it concurrently.
type Context interface {
	// Decode runs a forward pass over batch, mutating the KV buffer for every
	// sequence id present in it. Logits become available for any entry whose
	// Logits flag was set, fetchable via Logits(i) using the entry's batch index.
	Decode(batch *Batch) error
	// Logits returns the raw (pre-softmax) logit vector for the i'th batch
	// entry that requested logits in the most recent Decode call.
	Logits(i int) []float32
	// KvCacheSeqRm evicts KV entries for seqID in [p0, p1) (p1 == -1 means to
	// the end). Reports false if the primitive cannot perform partial removal.
	KvCacheSeqRm(seqID int32, p0, p1 int32) bool
	// KvCacheSeqAdd shifts the positions of seqID's entries in [p0, p1) by delta.
	KvCacheSeqAdd(seqID int32, p0, p1 int32, delta int32)
	// KvCacheSeqCp copies seqID src's KV entries in [p0, p1) onto seqID dst.
	KvCacheSeqCp(src, dst int32, p0, p1 int32)
	// KvCacheDefrag compacts the KV buffer, reclaiming fragmented slots.
	KvCacheDefrag()
	// Synchronize blocks until any asynchronous device work has completed.
	Synchronize()
	Close()
}

// ModelParams configures how a model is loaded from disk.
type ModelParams struct {
	NumGpuLayers int
	MainGpu      int
	UseMmap      bool
	UseMlock     bool
	TensorSplit  []float32
	Progress     func(float32)
}

// ContextParams configures a decoding context created against a loaded Model.
type ContextParams struct {
	NCtx        int
	NBatch      int
	NSeqMax     int
	NThreads    int
	FlashAttn   bool
	KVCacheType string
}

// NewContextParams builds a ContextParams the way the engine's model manager does:
// one context per worker, sized to the configured context window and batch size.
func NewContextParams(nCtx, nBatch, nSeqMax, nThreads int, flashAttn bool, kvCacheType string) ContextParams {
	return ContextParams{
		NCtx:        nCtx,
		NBatch:      nBatch,
		NSeqMax:     nSeqMax,
		NThreads:    nThreads,
		FlashAttn:   flashAttn,
		KVCacheType: kvCacheType,
	}
}
