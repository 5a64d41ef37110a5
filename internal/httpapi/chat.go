package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"exsa/internal/apierrors"
	"exsa/internal/promptasm"
	"exsa/internal/queue"
	"exsa/internal/sampler"
	"exsa/internal/template"
)

// handleChatCompletions implements POST /v1/chat/completions (spec.md §6):
// the OpenAI-compatible chat endpoint. Non-streaming requests are rejected
// with NotImplemented, matching spec.md §7's error taxonomy entry for
// "non-streaming chat completions". Grounded on
// original_source/src/api/chat.rs's chat_completions handler.
func (s *server) handleChatCompletions(c *gin.Context) {
	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierrors.New("httpapi.ChatCompletions", apierrors.ErrInvalidParameters, err.Error()))
		return
	}
	if len(req.Messages) == 0 {
		writeError(c, apierrors.New("httpapi.ChatCompletions", apierrors.ErrInvalidParameters, "messages must not be empty"))
		return
	}
	if !req.Stream {
		writeError(c, apierrors.New("httpapi.ChatCompletions", apierrors.ErrNotImplemented, "non-streaming chat completions are not supported; set stream=true"))
		return
	}

	handle, ok := s.Models.ActiveHandle()
	if !ok {
		writeError(c, apierrors.New("httpapi.ChatCompletions", apierrors.ErrModelNotLoaded, "no model is currently loaded"))
		return
	}

	messages := make([]template.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = template.Message{Role: template.Role(m.Role), Content: m.Content}
	}

	params := req.samplingParams(sampler.Default())
	result := promptasm.Assemble(messages, handle.Name(), s.ContextSize, s.DefaultSystemPrompt, params)

	if err := result.Params.Validate(); err != nil {
		writeError(c, apierrors.New("httpapi.ChatCompletions", apierrors.ErrInvalidParameters, err.Error()))
		return
	}

	h, err := s.Queue.Submit(c.Request.Context(), result.Prompt, result.Params, handle)
	if err != nil {
		writeError(c, err)
		return
	}

	flusher := startSSE(c)
	streamChat(c, flusher, h, h.ID, handle.Name())
}

// streamChat drains a chat request's token stream as
// chat.completion.chunk SSE frames (spec.md §6 "Streaming chunk shape"):
// the first content frame carries role="assistant", and the final frame
// carries finish_reason="stop" with no content.
func streamChat(c *gin.Context, flusher http.Flusher, h *queue.Handle, id, model string) {
	first := true
	for ev := range h.Tokens {
		if ev.Done {
			continue
		}
		delta := ChatMessageDelta{Content: ev.Token}
		if first {
			delta.Role = "assistant"
			first = false
		}
		chunk := ChatCompletionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []ChatCompletionChunkChoice{{Index: 0, Delta: delta, FinishReason: nil}},
		}
		if err := writeSSE(c, flusher, chunk); err != nil {
			return
		}
	}

	res := <-h.Result
	if res.Err != nil {
		_ = writeSSE(c, flusher, ErrorResponse{Error: res.Err.Error(), Code: apierrors.Code(res.Err)})
		return
	}

	stop := "stop"
	_ = writeSSE(c, flusher, ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChunkChoice{{Index: 0, Delta: ChatMessageDelta{}, FinishReason: &stop}},
		Timings: &Timings{
			PromptTokens:    res.PromptTokens,
			GeneratedTokens: res.GeneratedTokens,
			PromptMS:        res.PromptMS,
			GenerationMS:    res.GenerationMS,
		},
	})
}
