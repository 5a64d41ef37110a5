// Package llamafake is a pure-Go test double for internal/llama's Model and
// Context interfaces. It lets worker and queue tests exercise prefix reuse,
// sliding-window, and stop-sequence logic deterministically, without a real
// GGUF file or a cgo build.
package llamafake

import (
	"fmt"

	"exsa/internal/llama"
)

const (
	bosToken llama.Token = 1
	eogToken llama.Token = 2
	firstID  llama.Token = 3
)

// Model is a deterministic word-level tokenizer: each whitespace-prefixed
// run of non-space characters interns to its own token id, stable for the
// lifetime of the Model, so that identical text always tokenizes identically
// and TokenToPiece is its exact inverse.
type Model struct {
	vocab       map[string]llama.Token
	rev         map[llama.Token]string
	nextID      llama.Token
	addBOS      bool
	loraApplied []string
}

// NewModel returns a fake model ready for tokenization. addBOS mirrors the
// real model's vocabulary-level "wants a leading BOS" flag.
func NewModel(addBOS bool) *Model {
	return &Model{
		vocab:  make(map[string]llama.Token),
		rev:    make(map[llama.Token]string),
		nextID: firstID,
		addBOS: addBOS,
	}
}

func (m *Model) intern(piece string) llama.Token {
	if tok, ok := m.vocab[piece]; ok {
		return tok
	}
	tok := m.nextID
	m.nextID++
	m.vocab[piece] = tok
	m.rev[tok] = piece
	return tok
}

// splitPieces groups each run of non-space bytes together with its leading
// whitespace, the way real BPE tokenizers emit space-prefixed subwords.
func splitPieces(s string) []string {
	var pieces []string
	i, n := 0, len(s)
	for i < n {
		start := i
		for i < n && s[i] == ' ' {
			i++
		}
		for i < n && s[i] != ' ' {
			i++
		}
		if i == start {
			break
		}
		pieces = append(pieces, s[start:i])
	}
	return pieces
}

func (m *Model) Tokenize(text string, addBOS bool, special bool) ([]llama.Token, error) {
	var toks []llama.Token
	if addBOS {
		toks = append(toks, bosToken)
	}
	for _, piece := range splitPieces(text) {
		toks = append(toks, m.intern(piece))
	}
	return toks, nil
}

func (m *Model) TokenToPiece(tok llama.Token) string {
	if tok == bosToken || tok == eogToken {
		return ""
	}
	return m.rev[tok]
}

func (m *Model) TokenIsEog(tok llama.Token) bool { return tok == eogToken }

func (m *Model) AddBOSToken() bool { return m.addBOS }

func (m *Model) NVocab() int { return int(m.nextID) }

func (m *Model) ApplyLoraFromFile(ctx llama.Context, path string, scale float32, threads int) error {
	m.loraApplied = append(m.loraApplied, path)
	return nil
}

func (m *Model) Close() {}

// EOGToken exposes the sentinel end-of-generation id for test scripts.
func (m *Model) EOGToken() llama.Token { return eogToken }

// InternedTokensFor looks up the token ids that text would tokenize to
// without mutating the vocabulary (used by tests composing forced scripts
// out of literal words already seen by Tokenize).
func (m *Model) InternedTokensFor(text string) ([]llama.Token, error) {
	var toks []llama.Token
	for _, piece := range splitPieces(text) {
		tok, ok := m.vocab[piece]
		if !ok {
			return nil, fmt.Errorf("llamafake: %q was never tokenized", piece)
		}
		toks = append(toks, tok)
	}
	return toks, nil
}

// Context is a scriptable fake decoding session. Each Decode call advances an
// internal cursor; Logits(i) returns an overwhelming one-hot vector for
// whatever token the test script says comes next, so any sampler mode
// (greedy, top-k, mirostat) converges on it.
type Context struct {
	model *Model

	decodeCalls int
	seqRmCalls  [][3]int32
	seqAddCalls [][3]int32

	forced    []llama.Token
	forcedIdx int

	failDecodeOnce bool
	failSeqRmOnce  bool
}

// NewContext returns a fake context bound to model.
func NewContext(model *Model) *Context {
	return &Context{model: model}
}

// ForceTokens scripts the sequence of tokens successive Logits calls will favor.
func (c *Context) ForceTokens(toks ...llama.Token) { c.forced = toks; c.forcedIdx = 0 }

// FailNextDecode makes the next Decode call return llama.ErrKvCacheFull once,
// for exercising the worker's clear-and-rebuild fallback (spec §4.2 step 4).
func (c *Context) FailNextDecode() { c.failDecodeOnce = true }

// FailNextSeqRm makes the next KvCacheSeqRm call report false once, for
// exercising the sliding-window rebuild fallback (spec §4.3 step 3).
func (c *Context) FailNextSeqRm() { c.failSeqRmOnce = true }

// DecodeCalls is the test probe referenced by scenario S1.
func (c *Context) DecodeCalls() int { return c.decodeCalls }

func (c *Context) Decode(b *llama.Batch) error {
	c.decodeCalls++
	if c.failDecodeOnce {
		c.failDecodeOnce = false
		return llama.ErrKvCacheFull
	}
	return nil
}

func (c *Context) Logits(i int) []float32 {
	n := c.model.NVocab()
	logits := make([]float32, n)
	var tok llama.Token
	if c.forcedIdx < len(c.forced) {
		tok = c.forced[c.forcedIdx]
		c.forcedIdx++
	} else {
		tok = c.model.EOGToken()
	}
	logits[tok] = 1e6
	return logits
}

func (c *Context) KvCacheSeqRm(seqID int32, p0, p1 int32) bool {
	c.seqRmCalls = append(c.seqRmCalls, [3]int32{seqID, p0, p1})
	if c.failSeqRmOnce {
		c.failSeqRmOnce = false
		return false
	}
	return true
}

func (c *Context) KvCacheSeqAdd(seqID int32, p0, p1 int32, delta int32) {
	c.seqAddCalls = append(c.seqAddCalls, [3]int32{seqID, p0, p1})
}

func (c *Context) KvCacheSeqCp(src, dst int32, p0, p1 int32) {}

func (c *Context) KvCacheDefrag() {}

func (c *Context) Synchronize() {}

func (c *Context) Close() {}
