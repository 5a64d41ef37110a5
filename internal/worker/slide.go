package worker

import "exsa/internal/llama"

// slide implements spec.md §4.3, the sliding-window manager: it evicts a
// contiguous band of KV entries starting at n_keep and shifts the retained
// suffix down to close the gap, falling back to a full rebuild if either KV
// primitive fails. Grounded on main/cache.go's ShiftCacheSlot/ShiftDiscard,
// generalized from the teacher's fixed discard count to this spec's
// target-occupancy formula.
func (w *Worker) slide(requestedNKeep int) error {
	nKeep := requestedNKeep
	if nKeep > w.st.kvPos-1 {
		nKeep = w.st.kvPos - 1
	}
	if nKeep < 0 {
		nKeep = 0
	}

	targetOccupancy := int(w.slideTargetPct * float64(w.contextSize))
	keepTotal := targetOccupancy
	if nKeep+1 > keepTotal {
		keepTotal = nKeep + 1
	}
	shift := w.st.kvPos - keepTotal
	if shift <= 0 {
		return nil
	}

	if w.st.ctx.KvCacheSeqRm(0, int32(nKeep), int32(nKeep+shift)) {
		w.st.ctx.KvCacheSeqAdd(0, int32(nKeep+shift), int32(w.st.kvPos), int32(-shift))
		w.st.cachedTokens = mirrorEvict(w.st.cachedTokens, nKeep, shift)
		w.st.kvPos -= shift
		return nil
	}

	return w.rebuildSlide(nKeep, shift)
}

// mirrorEvict removes the band [nKeep, nKeep+shift) from tokens, matching
// the KV buffer's post-shift layout exactly (spec.md §4.3 step 2c).
func mirrorEvict(tokens []llama.Token, nKeep, shift int) []llama.Token {
	out := make([]llama.Token, 0, len(tokens)-shift)
	out = append(out, tokens[:nKeep]...)
	out = append(out, tokens[nKeep+shift:]...)
	return out
}

// rebuildSlide implements spec.md §4.3 step 3: the fallback path when the
// fast in-place shift fails. It clears the whole KV and re-decodes the
// surviving tokens from scratch.
func (w *Worker) rebuildSlide(nKeep, shift int) error {
	rebuilt := mirrorEvict(w.st.cachedTokens, nKeep, shift)

	w.st.ctx.KvCacheSeqRm(0, 0, -1)
	w.st.kvPos = 0

	idx, err := w.decodeChunked(rebuilt, 0, len(rebuilt), len(rebuilt)-1)
	if err != nil {
		w.st.cachedTokens = nil
		w.st.kvPos = 0
		return err
	}

	w.st.cachedTokens = rebuilt
	w.st.kvPos = len(rebuilt)
	w.lastLogitsIdx = idx
	return nil
}
