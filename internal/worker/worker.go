// Package worker implements the single-writer inference worker (spec.md
// §4.2): the dedicated goroutine that exclusively owns the decoder context
// and KV buffer, carrying cached_tokens/kv_pos across requests. Grounded on
// main/run.go's run()/processBatch hot loop and main/cache.go's
// InputCache/ShiftCacheSlot, generalized from the teacher's fixed-slot cache
// to this spec's single active context plus explicit prefix-reuse algorithm.
package worker

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"exsa/internal/apierrors"
	"exsa/internal/llama"
	"exsa/internal/queue"
	"exsa/internal/sampler"
)

// ModelHandle is the view the worker needs of a model manager entry. It is
// narrower than model.Manager's full Handle but richer than queue.ModelHandle;
// requests carry a queue.ModelHandle and the worker type-asserts it to this,
// which model.Handle satisfies structurally.
type ModelHandle interface {
	Name() string
	Model() llama.Model
	ContextParams() llama.ContextParams
}

// ContextFactory builds a decoding context for a model. Production code
// passes llama.NewContextWithModel; tests substitute a llamafake constructor.
type ContextFactory func(m llama.Model, p llama.ContextParams) (llama.Context, error)

// knownBOSLiterals are the prompt prefixes that indicate a BOS token is
// already present in the text (spec.md §4.2 step 2).
var knownBOSLiterals = []string{"<|begin_of_text|>", "<s>"}

// state is the worker's cross-request memory: exactly the (cached_tokens,
// kv_pos) pair described in spec.md §9 "Design Notes", plus the decoding
// session and the identity of the model it was built against.
type state struct {
	cachedTokens    []llama.Token
	kvPos           int
	ctx             llama.Context
	activeModelName string
}

// Worker is the dedicated OS-thread owner of the decoder context. It must be
// run via Run on its own goroutine with runtime.LockOSThread held for its
// entire lifetime (spec.md §5 "the inference worker is a dedicated OS
// thread").
type Worker struct {
	q *queue.Queue

	batchSize         int
	contextSize       int
	slideThresholdPct float64
	slideTargetPct    float64

	newContext ContextFactory

	st             state
	lastLogitsIdx  int
}

// Config carries the decoder-sizing parameters the worker needs independent
// of any one model (the model's own ContextParams are taken from its
// ModelHandle at continuity-check time; batchSize/contextSize here bound the
// chunking and slide-threshold math, which operate in the KV-position domain
// shared across models).
type Config struct {
	BatchSize         int
	ContextSize       int
	SlideThresholdPct float64 // default 0.90
	SlideTargetPct    float64 // default 0.50
}

// New builds a worker bound to q. newContext is the context-construction
// entry point; pass llama.NewContextWithModel in production.
func New(q *queue.Queue, cfg Config, newContext ContextFactory) *Worker {
	thresholdPct := cfg.SlideThresholdPct
	if thresholdPct <= 0 {
		thresholdPct = 0.90
	}
	targetPct := cfg.SlideTargetPct
	if targetPct <= 0 {
		targetPct = 0.50
	}
	return &Worker{
		q:                 q,
		batchSize:         cfg.BatchSize,
		contextSize:       cfg.ContextSize,
		slideThresholdPct: thresholdPct,
		slideTargetPct:    targetPct,
		newContext:        newContext,
	}
}

// Run pins the calling goroutine to its OS thread and processes requests
// until ctx is done. Closing the queue does not stop Run; it keeps waiting
// for requests until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		req, ok := w.q.Next(ctx)
		if !ok {
			return
		}
		w.q.MarkActive()
		w.process(ctx, req)
		w.q.Release(req)
	}
}

func (w *Worker) process(ctx context.Context, req *queue.Request) {
	start := time.Now()

	handle, ok := req.Model.(ModelHandle)
	if !ok {
		req.Complete(queue.Result{Err: apierrors.New("worker.process", apierrors.ErrInternal, "request carries no usable model handle")})
		return
	}

	if err := w.ensureContinuity(handle); err != nil {
		req.Complete(queue.Result{Err: err})
		return
	}

	model := handle.Model()
	newTokens, err := w.tokenize(model, req.Prompt)
	if err != nil {
		req.Complete(queue.Result{Err: apierrors.New("worker.process", apierrors.ErrInvalidParameters, "tokenization failed: "+err.Error())})
		return
	}

	w.reusePrefix(newTokens)
	decodeFrom := w.st.kvPos
	promptDecodeStart := time.Now()
	if err := w.decodeWithFallback(newTokens, decodeFrom, len(newTokens)); err != nil {
		req.Complete(queue.Result{Err: apierrors.New("worker.process", apierrors.ErrInternal, "decode failed: "+err.Error())})
		return
	}
	promptMS := float64(time.Since(promptDecodeStart).Milliseconds())

	if float64(w.st.kvPos) > w.slideThresholdPct*float64(w.contextSize) {
		nKeep := 0
		if req.Params.NKeep != nil {
			nKeep = *req.Params.NKeep
		}
		if err := w.slide(nKeep); err != nil {
			req.Complete(queue.Result{Err: apierrors.New("worker.process", apierrors.ErrInternal, "slide failed: "+err.Error())})
			return
		}
	}

	genStart := time.Now()
	generated, err := w.generate(req, model)
	genMS := float64(time.Since(genStart).Milliseconds())
	_ = start

	req.Complete(queue.Result{
		Err:             err,
		PromptTokens:    len(newTokens),
		GeneratedTokens: generated,
		PromptMS:        promptMS,
		GenerationMS:    genMS,
	})
}

// ensureContinuity implements spec.md §4.2 step 1.
func (w *Worker) ensureContinuity(handle ModelHandle) error {
	if w.st.ctx != nil && w.st.activeModelName == handle.Name() {
		return nil
	}
	if w.st.ctx != nil {
		w.st.ctx.Close()
	}
	ctx, err := w.newContext(handle.Model(), handle.ContextParams())
	if err != nil {
		return apierrors.New("worker.ensureContinuity", apierrors.ErrInternal, "failed to build decoder context: "+err.Error())
	}
	w.st.ctx = ctx
	w.st.cachedTokens = nil
	w.st.kvPos = 0
	w.st.activeModelName = handle.Name()
	return nil
}

// tokenize implements spec.md §4.2 step 2: suppress the leading BOS token
// iff the prompt already spells one out literally.
func (w *Worker) tokenize(model llama.Model, prompt string) ([]llama.Token, error) {
	addBOS := model.AddBOSToken() && !startsWithKnownBOS(prompt)
	return model.Tokenize(prompt, addBOS, true)
}

func startsWithKnownBOS(prompt string) bool {
	for _, lit := range knownBOSLiterals {
		if strings.HasPrefix(prompt, lit) {
			return true
		}
	}
	return false
}

func commonPrefixLen(a, b []llama.Token) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// reusePrefix implements spec.md §4.2 step 3. It only decides where decoding
// should resume from (and evicts stale KV entries on partial reuse); the
// actual decode happens in decodeWithFallback.
func (w *Worker) reusePrefix(newTokens []llama.Token) {
	commonLen := commonPrefixLen(w.st.cachedTokens, newTokens)
	kvPos := w.st.kvPos

	switch {
	case commonLen >= kvPos && kvPos > 0:
		// Perfect reuse: nothing to evict, resume at kvPos.
	case commonLen > 0 && commonLen < kvPos:
		w.st.ctx.KvCacheSeqRm(0, int32(commonLen), int32(kvPos))
		w.st.kvPos = commonLen
	default:
		w.st.ctx.KvCacheSeqRm(0, 0, -1)
		w.st.kvPos = 0
	}
}

// decodeChunked submits tokens[from:to) to the decoder in chunks of at most
// w.batchSize, requesting logits only for the entry at logitsAt. It returns
// the batch-local index of that entry within whichever chunk contained it,
// for a later Context.Logits call.
func (w *Worker) decodeChunked(tokens []llama.Token, from, to, logitsAt int) (int, error) {
	batchIdx := -1
	pos := from
	for pos < to {
		end := pos + w.batchSize
		if end > to || w.batchSize <= 0 {
			end = to
		}
		batch := llama.NewBatch(end - pos)
		for p := pos; p < end; p++ {
			wantLogits := p == logitsAt
			batch.Add(tokens[p], int32(p), 0, wantLogits)
			if wantLogits {
				batchIdx = p - pos
			}
		}
		err := w.st.ctx.Decode(batch)
		batch.Free()
		if err != nil {
			return -1, err
		}
		pos = end
	}
	return batchIdx, nil
}

// decodeWithFallback implements spec.md §4.2 step 4: decode tokensFull[from:to),
// falling back once to a full clear-and-rebuild of the entire tokensFull list
// on failure. tokensFull becomes the new cached_tokens mirror regardless of
// which path succeeds (or, on total failure, the worker resets to empty).
func (w *Worker) decodeWithFallback(tokensFull []llama.Token, from, to int) error {
	if to <= from {
		w.st.cachedTokens = tokensFull
		return w.refreshLastLogits(tokensFull)
	}

	idx, err := w.decodeChunked(tokensFull, from, to, to-1)
	if err == nil {
		w.st.cachedTokens = tokensFull
		w.st.kvPos = to
		w.lastLogitsIdx = idx
		return nil
	}

	w.st.ctx.KvCacheSeqRm(0, 0, -1)
	w.st.kvPos = 0
	idx2, err2 := w.decodeChunked(tokensFull, 0, len(tokensFull), len(tokensFull)-1)
	if err2 != nil {
		w.st.cachedTokens = nil
		w.st.kvPos = 0
		return err2
	}
	w.st.cachedTokens = tokensFull
	w.st.kvPos = len(tokensFull)
	w.lastLogitsIdx = idx2
	return nil
}

// refreshLastLogits handles the empty-prefill case: the new prompt was
// already fully resident in the KV cache, so decodeWithFallback has nothing
// left to decode. Spec.md §4.2 step 6 still needs valid logits at the last
// prompt position to sample the first token, and a no-op decode never
// populates lastLogitsIdx from the current request's context, so the final
// token is evicted and re-decoded alone with logits requested, falling back
// to a full rebuild if that single-token re-decode fails.
func (w *Worker) refreshLastLogits(tokensFull []llama.Token) error {
	if len(tokensFull) == 0 {
		return nil
	}
	last := len(tokensFull) - 1

	if w.st.ctx.KvCacheSeqRm(0, int32(last), int32(last)+1) {
		idx, err := w.decodeChunked(tokensFull, last, last+1, last)
		if err == nil {
			w.st.kvPos = len(tokensFull)
			w.lastLogitsIdx = idx
			return nil
		}
	}

	w.st.ctx.KvCacheSeqRm(0, 0, -1)
	w.st.kvPos = 0
	idx2, err2 := w.decodeChunked(tokensFull, 0, len(tokensFull), len(tokensFull)-1)
	if err2 != nil {
		w.st.cachedTokens = nil
		w.st.kvPos = 0
		return err2
	}
	w.st.kvPos = len(tokensFull)
	w.lastLogitsIdx = idx2
	return nil
}

// generate implements spec.md §4.2 step 6-7: the token-by-token sampling
// loop with stop-sequence withholding, followed by finalize.
func (w *Worker) generate(req *queue.Request, model llama.Model) (int, error) {
	params := req.Params
	seed := derivedSeed(params, req.ID)
	chain := sampler.New(params, seed)
	nlToken := newlineToken(model)

	maxStopLen := 0
	for _, s := range params.StopSequences {
		if len(s) > maxStopLen {
			maxStopLen = len(s)
		}
	}

	var generated strings.Builder
	emittedLen := 0
	count := 0
	stoppedByStop := false

	for ; count < params.MaxTokens; count++ {
		if req.Cancelled() {
			break
		}

		tok := chain.Sample(w.st.ctx.Logits(w.lastLogitsIdx), nlToken)
		frag := model.TokenToPiece(tok)
		generated.WriteString(frag)
		full := generated.String()

		if stop, ok := stopSuffix(full, params.StopSequences); ok {
			full = full[:len(full)-len(stop)]
			flushRemaining(req, full, &emittedLen)
			stoppedByStop = true
			count++
			break
		}

		isEog := model.TokenIsEog(tok)
		if isEog {
			flushRemaining(req, full, &emittedLen)
			count++
			break
		}

		safeLen := len(full) - maxStopLen
		if safeLen > len(full) {
			safeLen = len(full)
		}
		if safeLen < 0 {
			safeLen = 0
		}
		if safeLen < len(full) {
			for safeLen > emittedLen && !utf8.RuneStart(full[safeLen]) {
				safeLen--
			}
		}
		if safeLen > emittedLen {
			if !w.emitWithRetry(req, queue.TokenEvent{Token: full[emittedLen:safeLen]}) {
				break
			}
			emittedLen = safeLen
		}

		chain.Accept(tok)
		candidate := append(append([]llama.Token{}, w.st.cachedTokens...), tok)
		if err := w.decodeWithFallback(candidate, w.st.kvPos, w.st.kvPos+1); err != nil {
			return count, apierrors.New("worker.generate", apierrors.ErrInternal, "decode failed: "+err.Error())
		}

		if float64(w.st.kvPos) > w.slideThresholdPct*float64(w.contextSize) {
			nKeep := 0
			if params.NKeep != nil {
				nKeep = *params.NKeep
			}
			if err := w.slide(nKeep); err != nil {
				return count, apierrors.New("worker.generate", apierrors.ErrInternal, "slide failed: "+err.Error())
			}
		}
	}

	if !stoppedByStop {
		flushRemaining(req, generated.String(), &emittedLen)
	}
	w.emitWithRetry(req, queue.TokenEvent{Done: true})
	return count, nil
}

func flushRemaining(req *queue.Request, full string, emittedLen *int) {
	if *emittedLen >= len(full) {
		return
	}
	req.Emit(queue.TokenEvent{Token: full[*emittedLen:]})
	*emittedLen = len(full)
}

var emitRetryDelays = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}

func (w *Worker) emitWithRetry(req *queue.Request, ev queue.TokenEvent) bool {
	if req.Emit(ev) {
		return true
	}
	for _, d := range emitRetryDelays {
		time.Sleep(d)
		if req.Emit(ev) {
			return true
		}
	}
	return false
}

// stopSuffix reports whether s ends with any configured stop sequence.
func stopSuffix(s string, stops []string) (string, bool) {
	for _, stop := range stops {
		if stop != "" && strings.HasSuffix(s, stop) {
			return stop, true
		}
	}
	return "", false
}

func newlineToken(model llama.Model) llama.Token {
	toks, err := model.Tokenize("\n", false, true)
	if err != nil || len(toks) == 0 {
		return -1
	}
	return toks[0]
}

func derivedSeed(params sampler.Params, requestID string) int64 {
	if params.Seed != nil {
		return *params.Seed
	}
	return sampler.DeriveSeed(time.Now().Unix(), requestIDLowBits(requestID))
}

// requestIDLowBits extracts a stable int64 from a UUID string's trailing hex
// digits, for seed derivation (spec.md §4.5).
func requestIDLowBits(id string) int64 {
	hex := strings.ReplaceAll(id, "-", "")
	if len(hex) < 16 {
		return 0
	}
	v, err := strconv.ParseUint(hex[len(hex)-16:], 16, 64)
	if err != nil {
		return 0
	}
	return int64(v)
}
