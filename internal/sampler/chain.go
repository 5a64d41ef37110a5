package sampler

import (
	"math"
	"math/rand"
	"sort"

	"exsa/internal/llama"
)

// Chain is a stateful sampler bound to one request's generation loop: its
// repeat-penalty window grows with each accepted token (spec.md §4.5).
type Chain struct {
	params  Params
	history []llama.Token
	rng     *rand.Rand

	mirostatMu float32
}

// New builds a sampler chain for one request. seed initializes the chain's
// random source for distribution sampling.
func New(params Params, seed int64) *Chain {
	c := &Chain{
		params: params,
		rng:    rand.New(rand.NewSource(seed)),
	}
	if params.Mirostat != 0 {
		c.mirostatMu = 2 * params.MirostatTau
	}
	return c
}

// Accept records a generated token in the repeat-penalty window.
func (c *Chain) Accept(tok llama.Token) {
	c.history = append(c.history, tok)
	if c.params.RepeatLastN > 0 && len(c.history) > c.params.RepeatLastN {
		c.history = c.history[len(c.history)-c.params.RepeatLastN:]
	}
}

type candidate struct {
	id    llama.Token
	logit float32
	p     float32
}

// Sample converts a raw logits vector into one token id, mutating nothing
// but this chain's own state. nlToken identifies the newline token to spare
// from repeat penalties when PenalizeNewline is false (-1 if unknown).
func (c *Chain) Sample(logits []float32, nlToken llama.Token) llama.Token {
	cands := makeCandidates(logits)
	c.applyPenalties(cands, nlToken)

	if c.params.Mirostat == 1 {
		return c.sampleMirostatV1(cands)
	}
	if c.params.Mirostat == 2 {
		return c.sampleMirostatV2(cands)
	}
	return c.sampleStandard(cands)
}

func makeCandidates(logits []float32) []candidate {
	cands := make([]candidate, len(logits))
	for i, l := range logits {
		cands[i] = candidate{id: llama.Token(i), logit: l}
	}
	return cands
}

// applyPenalties mirrors llama_sample_repetition_penalties: repeat, then
// frequency/presence penalties over the last RepeatLastN accepted tokens.
func (c *Chain) applyPenalties(cands []candidate, nlToken llama.Token) {
	if len(c.history) == 0 {
		return
	}
	counts := make(map[llama.Token]int, len(c.history))
	seen := make(map[llama.Token]bool, len(c.history))
	for _, tok := range c.history {
		counts[tok]++
		seen[tok] = true
	}
	for tok := range seen {
		if !c.params.PenalizeNewline && tok == nlToken {
			continue
		}
		idx := int(tok)
		if idx < 0 || idx >= len(cands) {
			continue
		}
		if cands[idx].logit <= 0 {
			cands[idx].logit *= c.params.RepeatPenalty
		} else {
			cands[idx].logit /= c.params.RepeatPenalty
		}
		n := float32(counts[tok])
		cands[idx].logit -= n*c.params.FrequencyPenalty + boolToFloat(n > 0)*c.params.PresencePenalty
	}
}

func boolToFloat(b bool) float32 {
	if b {
		return 1
	}
	return 0
}

func (c *Chain) sampleStandard(cands []candidate) llama.Token {
	cands = applyTopK(cands, c.params.TopK)
	cands = applyTailFree(cands, c.params.TFSZ)
	cands = applyTypical(cands, c.params.TypicalP)
	cands = applyTopP(cands, c.params.TopP)

	if c.params.Temperature <= 0 {
		return argmax(cands)
	}
	applyTemperature(cands, c.params.Temperature)
	softmax(cands)
	return c.sampleFromDistribution(cands)
}

// sampleMirostatV1 ports llama.cpp's mirostat v1: repeatedly trims the tail
// until the estimated surprise matches tau, then samples from what remains.
func (c *Chain) sampleMirostatV1(cands []candidate) llama.Token {
	const m = 100
	applyTemperature(cands, maxFloat(c.params.Temperature, 1e-4))
	sortDesc(cands)
	softmax(cands)

	tau, eta := c.params.MirostatTau, c.params.MirostatEta
	n := len(cands)
	if n > m {
		n = m
	}
	sHat := estimateS(cands[:n])
	k := estimateK(sHat, c.mirostatMu)
	if k < 1 {
		k = 1
	}
	if k > len(cands) {
		k = len(cands)
	}
	trimmed := cands[:k]
	renormalize(trimmed)
	tok := c.sampleFromDistribution(trimmed)

	observedSurprise := -log2(probOf(trimmed, tok))
	c.mirostatMu = c.mirostatMu - eta*(observedSurprise-tau)
	return tok
}

func (c *Chain) sampleMirostatV2(cands []candidate) llama.Token {
	applyTemperature(cands, maxFloat(c.params.Temperature, 1e-4))
	softmax(cands)
	sortDesc(cands)

	tau, eta := c.params.MirostatTau, c.params.MirostatEta
	threshold := float32(math.Pow(2, float64(-c.mirostatMu)))
	var cut int
	for i, cd := range cands {
		if cd.p < threshold {
			break
		}
		cut = i + 1
	}
	if cut < 1 {
		cut = 1
	}
	trimmed := cands[:cut]
	renormalize(trimmed)
	tok := c.sampleFromDistribution(trimmed)

	observedSurprise := -log2(probOf(trimmed, tok))
	c.mirostatMu = c.mirostatMu - eta*(observedSurprise-tau)
	return tok
}

func probOf(cands []candidate, tok llama.Token) float32 {
	for _, cd := range cands {
		if cd.id == tok {
			return cd.p
		}
	}
	return 1e-9
}

func log2(x float32) float32 {
	if x <= 0 {
		x = 1e-9
	}
	return float32(math.Log2(float64(x)))
}

func estimateS(sorted []candidate) float32 {
	var num, den float32
	for i := 0; i < len(sorted)-1; i++ {
		t := float64(i + 2)
		b := math.Log(t / float64(i+1))
		pRatio := float64(sorted[i].p) / float64(sorted[i+1].p)
		if pRatio <= 0 {
			continue
		}
		a := math.Log(pRatio)
		num += float32(a * b)
		den += float32(b * b)
	}
	if den == 0 {
		return 1
	}
	return num / den
}

// approxVocabSize stands in for the true vocabulary size in mirostat v1's K
// formula. The term it appears in (1 - vocab^-eps) saturates to 1 for any
// vocabulary in the tens-of-thousands range that real models use, so a fixed
// large constant tracks llama.cpp's behavior without threading the actual
// vocab size through every sampling call.
const approxVocabSize = 32000

func estimateK(s, mu float32) int {
	eps := float64(s) - 1
	if eps == 0 {
		eps = 1e-6
	}
	k := math.Pow((eps*math.Pow(2, float64(mu)))/(1-math.Pow(approxVocabSize, -eps)), 1/float64(s))
	return int(k)
}

func applyTopK(cands []candidate, k int) []candidate {
	sortDesc(cands)
	if k <= 0 || k >= len(cands) {
		return cands
	}
	return cands[:k]
}

func sortDesc(cands []candidate) {
	sort.Slice(cands, func(i, j int) bool { return cands[i].logit > cands[j].logit })
}

func applyTailFree(cands []candidate, z float32) []candidate {
	if z >= 1.0 || len(cands) < 3 {
		return cands
	}
	sortDesc(cands)
	softmax(cands)
	// second derivative of the sorted probability curve
	first := make([]float32, len(cands)-1)
	for i := range first {
		first[i] = cands[i].p - cands[i+1].p
	}
	second := make([]float32, len(first)-1)
	var sum float32
	for i := range second {
		second[i] = absF(first[i] - first[i+1])
		sum += second[i]
	}
	if sum <= 0 {
		return cands
	}
	cum := float32(0)
	cut := len(cands)
	for i, v := range second {
		cum += v / sum
		if cum > z {
			cut = i + 1
			break
		}
	}
	if cut < 1 {
		cut = 1
	}
	return cands[:cut]
}

func applyTypical(cands []candidate, p float32) []candidate {
	if p >= 1.0 {
		return cands
	}
	softmax(cands)
	var entropy float64
	for _, cd := range cands {
		if cd.p > 0 {
			entropy -= float64(cd.p) * math.Log(float64(cd.p))
		}
	}
	type scored struct {
		cd   candidate
		dist float64
	}
	scoredCands := make([]scored, len(cands))
	for i, cd := range cands {
		surprise := -math.Log(float64(maxFloat(cd.p, 1e-9)))
		scoredCands[i] = scored{cd: cd, dist: math.Abs(surprise - entropy)}
	}
	sort.Slice(scoredCands, func(i, j int) bool { return scoredCands[i].dist < scoredCands[j].dist })

	cum := float32(0)
	cut := len(scoredCands)
	for i, sc := range scoredCands {
		cum += sc.cd.p
		if cum > p {
			cut = i + 1
			break
		}
	}
	out := make([]candidate, cut)
	for i := 0; i < cut; i++ {
		out[i] = scoredCands[i].cd
	}
	return out
}

func applyTopP(cands []candidate, p float32) []candidate {
	if p >= 1.0 {
		sortDesc(cands)
		return cands
	}
	sortDesc(cands)
	softmax(cands)
	var cum float32
	cut := len(cands)
	for i, cd := range cands {
		cum += cd.p
		if cum > p {
			cut = i + 1
			break
		}
	}
	if cut < 1 {
		cut = 1
	}
	return cands[:cut]
}

func applyTemperature(cands []candidate, temp float32) {
	for i := range cands {
		cands[i].logit /= temp
	}
}

func softmax(cands []candidate) {
	if len(cands) == 0 {
		return
	}
	maxLogit := cands[0].logit
	for _, cd := range cands {
		if cd.logit > maxLogit {
			maxLogit = cd.logit
		}
	}
	var sum float32
	for i := range cands {
		cands[i].p = float32(math.Exp(float64(cands[i].logit - maxLogit)))
		sum += cands[i].p
	}
	if sum == 0 {
		return
	}
	for i := range cands {
		cands[i].p /= sum
	}
}

func renormalize(cands []candidate) {
	var sum float32
	for _, cd := range cands {
		sum += cd.p
	}
	if sum == 0 {
		return
	}
	for i := range cands {
		cands[i].p /= sum
	}
}

func argmax(cands []candidate) llama.Token {
	best := cands[0]
	for _, cd := range cands[1:] {
		if cd.logit > best.logit {
			best = cd
		}
	}
	return best.id
}

func (c *Chain) sampleFromDistribution(cands []candidate) llama.Token {
	if len(cands) == 0 {
		return 0
	}
	r := c.rng.Float32()
	var cum float32
	for _, cd := range cands {
		cum += cd.p
		if r <= cum {
			return cd.id
		}
	}
	return cands[len(cands)-1].id
}

func maxFloat(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func absF(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
