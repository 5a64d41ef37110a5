// Package sampler builds a token sampler chain from per-request parameters
// and a logits vector, in the style of swdunlop-ollama's llm_go_sample (the
// penalties → top-k → tail-free → typical → top-p → temperature →
// distribution order, plus the mirostat v1/v2 branch), but implemented as
// pure Go over the logits slice the decoder primitive exposes, rather than
// as a cgo call — spec.md §2 lists the sampler chain as its own ~5%
// component distinct from the decoder primitive, so this package owns the
// full sample-given-logits computation instead of delegating it to C.
package sampler

import "fmt"

// Params are the numeric sampling knobs from a request (spec.md §3
// SamplingParams, mirrored from the teacher's Options struct).
type Params struct {
	Temperature      float32
	TopK             int
	TopP             float32
	MinP             float32
	TFSZ             float32
	TypicalP         float32
	RepeatLastN      int
	RepeatPenalty    float32
	PresencePenalty  float32
	FrequencyPenalty float32
	Mirostat         int
	MirostatTau      float32
	MirostatEta      float32
	PenalizeNewline  bool

	MaxTokens     int
	StopSequences []string
	NKeep         *int
	SessionID     string
	Seed          *int64
}

// Default mirrors the teacher's DefaultOptions numeric defaults.
func Default() Params {
	return Params{
		Temperature:      0.8,
		TopK:             40,
		TopP:             0.9,
		TFSZ:             1.0,
		TypicalP:         1.0,
		RepeatLastN:      64,
		RepeatPenalty:    1.1,
		PresencePenalty:  0.0,
		FrequencyPenalty: 0.0,
		Mirostat:         0,
		MirostatTau:      5.0,
		MirostatEta:      0.1,
		PenalizeNewline:  true,
		MaxTokens:        128,
	}
}

// Validate enforces spec.md §3's SamplingParams invariants. Validation is
// total: any violation is a client-visible error, never silently clamped.
func (p Params) Validate() error {
	if p.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0, got %v", p.Temperature)
	}
	if p.TopP < 0 || p.TopP > 1 {
		return fmt.Errorf("top_p must be in [0,1], got %v", p.TopP)
	}
	if p.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be >= 1, got %v", p.MaxTokens)
	}
	if p.Mirostat != 0 && p.Mirostat != 1 && p.Mirostat != 2 {
		return fmt.Errorf("mirostat must be 0, 1, or 2, got %v", p.Mirostat)
	}
	if p.PresencePenalty < -2 || p.PresencePenalty > 2 {
		return fmt.Errorf("presence_penalty must be in [-2,2], got %v", p.PresencePenalty)
	}
	if p.FrequencyPenalty < -2 || p.FrequencyPenalty > 2 {
		return fmt.Errorf("frequency_penalty must be in [-2,2], got %v", p.FrequencyPenalty)
	}
	if p.MirostatEta < 0 || p.MirostatEta > 1 {
		return fmt.Errorf("mirostat_eta must be in [0,1], got %v", p.MirostatEta)
	}
	return nil
}

// DeriveSeed computes the fallback seed (spec.md §4.5): wall-clock seconds
// XOR the low bits of the request id, used whenever Params.Seed is unset.
func DeriveSeed(wallClockSeconds int64, requestIDLowBits int64) int64 {
	return wallClockSeconds ^ requestIDLowBits
}
