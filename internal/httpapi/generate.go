package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"exsa/internal/apierrors"
	"exsa/internal/promptasm"
	"exsa/internal/queue"
	"exsa/internal/sampler"
	"exsa/internal/template"
)

// estimatedPromptTokens is the admission-time token estimate spec.md §8
// invariant I4 is checked against for /v1/generate (the raw-prompt path;
// /v1/chat/completions instead relies on the trimmer and the worker's
// sliding window). Mirrors original_source/src/api/handlers.rs's
// `estimate_tokens` closure: one token per four characters.
func estimatedPromptTokens(s string) int {
	return len(s) / 4
}

// handleGenerate implements POST /v1/generate (spec.md §6): a raw-prompt
// completion, optionally run through the active model's chat template.
// Grounded on original_source/src/api/handlers.rs's generate handler.
func (s *server) handleGenerate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierrors.New("httpapi.Generate", apierrors.ErrInvalidParameters, err.Error()))
		return
	}
	if req.Prompt == "" {
		writeError(c, apierrors.New("httpapi.Generate", apierrors.ErrInvalidParameters, "prompt must not be empty"))
		return
	}

	handle, ok := s.Models.ActiveHandle()
	if !ok {
		writeError(c, apierrors.New("httpapi.Generate", apierrors.ErrModelNotLoaded, "no model is currently loaded"))
		return
	}

	params := req.SamplingParams.merge(sampler.Default())

	prompt := req.Prompt
	useTemplate := req.UseChatTemplate == nil || *req.UseChatTemplate
	if useTemplate {
		messages := []template.Message{{Role: template.RoleUser, Content: req.Prompt}}
		result := promptasm.Assemble(messages, handle.Name(), s.ContextSize, s.DefaultSystemPrompt, params)
		prompt = result.Prompt
		params = result.Params
	}

	estimated := estimatedPromptTokens(prompt)
	if estimated > s.ContextSize {
		writeError(c, apierrors.New("httpapi.Generate", apierrors.ErrInvalidParameters, "prompt too long for the configured context size"))
		return
	}
	if estimated+params.MaxTokens > s.ContextSize {
		writeError(c, apierrors.New("httpapi.Generate", apierrors.ErrInvalidParameters, "prompt plus max_tokens exceeds the configured context size"))
		return
	}
	if err := params.Validate(); err != nil {
		writeError(c, apierrors.New("httpapi.Generate", apierrors.ErrInvalidParameters, err.Error()))
		return
	}

	h, err := s.Queue.Submit(c.Request.Context(), prompt, params, handle)
	if err != nil {
		writeError(c, err)
		return
	}

	flusher := startSSE(c)
	streamGenerate(c, flusher, h)
}

// streamGenerate drains a generate request's token stream as {token, done}
// SSE frames, trailing the final frame with timings (supplemented feature,
// grounded on the teacher's Timings struct).
func streamGenerate(c *gin.Context, flusher http.Flusher, h *queue.Handle) {
	for ev := range h.Tokens {
		if err := writeSSE(c, flusher, TokenEvent{Token: ev.Token, Done: ev.Done}); err != nil {
			return
		}
	}
	res := <-h.Result
	if res.Err != nil {
		_ = writeSSE(c, flusher, ErrorResponse{Error: res.Err.Error(), Code: apierrors.Code(res.Err)})
		return
	}
	_ = writeSSE(c, flusher, TokenEvent{
		Done: true,
		Timings: &Timings{
			PromptTokens:    res.PromptTokens,
			GeneratedTokens: res.GeneratedTokens,
			PromptMS:        res.PromptMS,
			GenerationMS:    res.GenerationMS,
		},
	})
}
