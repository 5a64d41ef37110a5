// Package promptasm implements the prompt-assembly pipeline (spec.md §4.4):
// default-system injection, coarse context-budget trimming, chat-template
// rendering, stop-sequence merging, and n_keep computation. Grounded on
// original_source/src/api/chat.rs's "EMERGENCY TRIMMING" block and
// src/inference/templates.rs's template dispatch.
package promptasm

import (
	"exsa/internal/sampler"
	"exsa/internal/template"
)

// keptRecentMessages is the number of newest non-system messages the coarse
// trim preserves once the estimated token budget is exceeded (spec.md §4.4
// step 2).
const keptRecentMessages = 16

// trimThresholdFraction is the fraction of context_size above which the
// coarse trim engages (spec.md §4.4 step 2). The worker's sliding window
// remains the authoritative protector; this is only a coarse filter.
const trimThresholdFraction = 0.95

// nKeepPunctuationBuffer is added on top of the system-prefix token estimate
// to account for template punctuation tokens (spec.md §4.4 step 5).
const nKeepPunctuationBuffer = 32

// Result is the prompt assembler's output: a decoder-ready prompt string
// plus sampling params carrying the merged stop sequences and computed n_keep.
type Result struct {
	Prompt string
	Params sampler.Params
}

// Assemble runs the full pipeline in order. modelName drives template
// detection (spec.md §4.4 step 3); defaultSystemPrompt is injected when no
// system message is present.
func Assemble(messages []template.Message, modelName string, contextSize int, defaultSystemPrompt string, params sampler.Params) Result {
	messages = injectDefaultSystem(messages, defaultSystemPrompt)
	messages = trimToBudget(messages, contextSize)

	kind := template.DetectKind(modelName)
	prompt := template.Render(kind, messages)

	params.StopSequences = mergeStops(params.StopSequences, template.StopSequences(kind))

	nKeep := computeNKeep(messages)
	params.NKeep = &nKeep

	return Result{Prompt: prompt, Params: params}
}

func injectDefaultSystem(messages []template.Message, defaultSystemPrompt string) []template.Message {
	for _, m := range messages {
		if m.Role == template.RoleSystem {
			return messages
		}
	}
	out := make([]template.Message, 0, len(messages)+1)
	out = append(out, template.Message{Role: template.RoleSystem, Content: defaultSystemPrompt})
	out = append(out, messages...)
	return out
}

func estimateTokens(content string) int {
	n := (len(content) + 3) / 4
	if n < 1 {
		return 1
	}
	return n
}

func trimToBudget(messages []template.Message, contextSize int) []template.Message {
	total := 0
	for _, m := range messages {
		total += estimateTokens(m.Content)
	}
	threshold := int(float64(contextSize) * trimThresholdFraction)
	if total <= threshold {
		return messages
	}

	var systemMsgs, convoMsgs []template.Message
	for _, m := range messages {
		if m.Role == template.RoleSystem {
			systemMsgs = append(systemMsgs, m)
		} else {
			convoMsgs = append(convoMsgs, m)
		}
	}

	keep := keptRecentMessages
	if keep > len(convoMsgs) {
		keep = len(convoMsgs)
	}
	convoMsgs = convoMsgs[len(convoMsgs)-keep:]

	out := make([]template.Message, 0, len(systemMsgs)+len(convoMsgs))
	out = append(out, systemMsgs...)
	out = append(out, convoMsgs...)
	return out
}

func mergeStops(requestStops, templateStops []string) []string {
	seen := make(map[string]bool, len(requestStops)+len(templateStops))
	merged := make([]string, 0, len(requestStops)+len(templateStops))
	for _, s := range requestStops {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		merged = append(merged, s)
	}
	for _, s := range templateStops {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		merged = append(merged, s)
	}
	return merged
}

// computeNKeep sums the estimated token counts of the leading run of system
// messages plus a fixed punctuation buffer (spec.md §4.4 step 5).
func computeNKeep(messages []template.Message) int {
	total := 0
	for _, m := range messages {
		if m.Role != template.RoleSystem {
			break
		}
		total += estimateTokens(m.Content)
	}
	return total + nKeepPunctuationBuffer
}
