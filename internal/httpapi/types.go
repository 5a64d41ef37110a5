// Package httpapi exposes the OpenAI-compatible HTTP surface (spec.md §6)
// over gin, translating wire requests into internal/queue submissions and
// internal/apierrors failures into JSON error bodies. Grounded on
// original_source/src/api/schema.rs and routes.rs for the wire shapes and
// route table, and on main/completions.go for the streaming handler
// structure (chunked writes gated on the request context).
package httpapi

import "exsa/internal/sampler"

// SamplingParamsDTO mirrors original_source/src/inference/params.rs's
// SamplingParams field-for-field, the nested sampling object both
// /v1/generate and /v1/chat/completions accept.
type SamplingParamsDTO struct {
	Temperature      *float32 `json:"temperature,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	TopP             *float32 `json:"top_p,omitempty"`
	MinP             *float32 `json:"min_p,omitempty"`
	TFSZ             *float32 `json:"tfs_z,omitempty"`
	TypicalP         *float32 `json:"typical_p,omitempty"`
	RepeatLastN      *int     `json:"repeat_last_n,omitempty"`
	RepeatPenalty    *float32 `json:"repeat_penalty,omitempty"`
	PresencePenalty  *float32 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float32 `json:"frequency_penalty,omitempty"`
	Mirostat         *int     `json:"mirostat,omitempty"`
	MirostatTau      *float32 `json:"mirostat_tau,omitempty"`
	MirostatEta      *float32 `json:"mirostat_eta,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	StopSequences    []string `json:"stop_sequences,omitempty"`
	NKeep            *int     `json:"n_keep,omitempty"`
	SessionID        *string  `json:"session_id,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
}

// merge overlays the DTO's set fields onto base, leaving base's defaults in
// place wherever the client omitted a field.
func (d SamplingParamsDTO) merge(base sampler.Params) sampler.Params {
	p := base
	if d.Temperature != nil {
		p.Temperature = *d.Temperature
	}
	if d.TopK != nil {
		p.TopK = *d.TopK
	}
	if d.TopP != nil {
		p.TopP = *d.TopP
	}
	if d.MinP != nil {
		p.MinP = *d.MinP
	}
	if d.TFSZ != nil {
		p.TFSZ = *d.TFSZ
	}
	if d.TypicalP != nil {
		p.TypicalP = *d.TypicalP
	}
	if d.RepeatLastN != nil {
		p.RepeatLastN = *d.RepeatLastN
	}
	if d.RepeatPenalty != nil {
		p.RepeatPenalty = *d.RepeatPenalty
	}
	if d.PresencePenalty != nil {
		p.PresencePenalty = *d.PresencePenalty
	}
	if d.FrequencyPenalty != nil {
		p.FrequencyPenalty = *d.FrequencyPenalty
	}
	if d.Mirostat != nil {
		p.Mirostat = *d.Mirostat
	}
	if d.MirostatTau != nil {
		p.MirostatTau = *d.MirostatTau
	}
	if d.MirostatEta != nil {
		p.MirostatEta = *d.MirostatEta
	}
	if d.MaxTokens != nil {
		p.MaxTokens = *d.MaxTokens
	}
	if len(d.StopSequences) > 0 {
		p.StopSequences = d.StopSequences
	}
	if d.NKeep != nil {
		p.NKeep = d.NKeep
	}
	if d.SessionID != nil {
		p.SessionID = *d.SessionID
	}
	if d.Seed != nil {
		p.Seed = d.Seed
	}
	return p
}

// GenerateRequest is the body of POST /v1/generate (spec.md §6).
type GenerateRequest struct {
	Prompt          string            `json:"prompt"`
	SamplingParams  SamplingParamsDTO `json:"sampling_params"`
	UseChatTemplate *bool             `json:"use_chat_template,omitempty"`
}

// TokenEvent is one item of the /v1/generate SSE stream.
type TokenEvent struct {
	Token string `json:"token"`
	Done  bool   `json:"done"`
	// Timings is set only on the final (Done) event, carrying the
	// request's prompt/generation counters (supplemented feature, grounded
	// on the teacher's Timings/CompletionResponse).
	Timings *Timings `json:"timings,omitempty"`
}

// Timings reports prompt and generation token counts and wall-clock
// milliseconds, mirrored from the teacher's main/types.go Timings struct.
type Timings struct {
	PromptTokens    int     `json:"prompt_tokens"`
	GeneratedTokens int     `json:"generated_tokens"`
	PromptMS        float64 `json:"prompt_ms"`
	GenerationMS    float64 `json:"generation_ms"`
}

// ChatMessage is one turn in a chat completion request or response.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the body of POST /v1/chat/completions, mirrored
// from original_source/src/api/openai.rs's ChatCompletionRequest (minus the
// `rag` extension field, which is out of scope per spec.md's Non-goals).
type ChatCompletionRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Temperature      *float32      `json:"temperature,omitempty"`
	TopP             *float32      `json:"top_p,omitempty"`
	TopK             *int          `json:"top_k,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	RepeatPenalty    *float32      `json:"repeat_penalty,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	PresencePenalty  *float32      `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float32      `json:"frequency_penalty,omitempty"`
	Stream           bool          `json:"stream"`
	User             *string       `json:"user,omitempty"`
}

func (r ChatCompletionRequest) samplingParams(base sampler.Params) sampler.Params {
	p := base
	if r.Temperature != nil {
		p.Temperature = *r.Temperature
	}
	if r.TopP != nil {
		p.TopP = *r.TopP
	}
	if r.TopK != nil {
		p.TopK = *r.TopK
	}
	if r.MaxTokens != nil {
		p.MaxTokens = *r.MaxTokens
	}
	if r.RepeatPenalty != nil {
		p.RepeatPenalty = *r.RepeatPenalty
	}
	if len(r.Stop) > 0 {
		p.StopSequences = r.Stop
	}
	if r.PresencePenalty != nil {
		p.PresencePenalty = *r.PresencePenalty
	}
	if r.FrequencyPenalty != nil {
		p.FrequencyPenalty = *r.FrequencyPenalty
	}
	return p
}

// ChatCompletionChunk is one SSE event of the /v1/chat/completions stream
// (spec.md §6 "Streaming chunk shape").
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
	Timings *Timings                    `json:"timings,omitempty"`
}

// ChatCompletionChunkChoice is the single choice carried in every chunk;
// spec.md §6 only ever populates index 0.
type ChatCompletionChunkChoice struct {
	Index        int              `json:"index"`
	Delta        ChatMessageDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

// ChatMessageDelta carries the streamed fragment; role is set only on the
// first chunk (spec.md §6 "First chunk carries role").
type ChatMessageDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// HealthResponse is the body of GET /v1/health, mirrored from
// original_source/src/api/schema.rs's HealthResponse (all fields present
// once a model is loaded; the optional ones stay zero-valued otherwise).
type HealthResponse struct {
	Status         string  `json:"status"`
	Version        string  `json:"version"`
	ModelLoaded    bool    `json:"model_loaded"`
	ModelPath      string  `json:"model_path,omitempty"`
	ContextSize    int     `json:"context_size,omitempty"`
	GPULayers      int     `json:"gpu_layers,omitempty"`
	ActiveRequests int     `json:"active_requests"`
	QueueSize      int     `json:"queue_size"`
	QueueCapacity  int     `json:"queue_capacity"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// StatusResponse is the body of GET /v1/status: a lighter-weight probe than
// /v1/health (spec.md §6).
type StatusResponse struct {
	Status         string `json:"status"`
	QueueCapacity  int    `json:"queue_capacity"`
	ActiveRequests int    `json:"active_requests"`
	QueueSize      int    `json:"queue_size"`
}

// ModelInfoResponse is the body of GET /v1/model/info (supplemented
// feature, grounded on original_source's ModelInfoResponse).
type ModelInfoResponse struct {
	ModelPath   string `json:"model_path"`
	ContextSize int    `json:"context_size"`
	GPULayers   int    `json:"gpu_layers"`
}

// ActiveModelResponse is the body of GET /v1/models/active (supplemented
// feature, grounded on original_source's get_active_model).
type ActiveModelResponse struct {
	Name        string `json:"name"`
	ModelPath   string `json:"model_path"`
	ContextSize int    `json:"context_size"`
	GPULayers   int    `json:"gpu_layers"`
}

// ModelsListResponse is the body of GET /v1/models/list.
type ModelsListResponse struct {
	Models []string `json:"models"`
}

// LoadModelRequest is the body of POST /v1/models/load (spec.md §6).
// ContextSize is accepted for wire compatibility with
// original_source/src/api/schema.rs but is not applied per request: the
// worker's context window is configured once at startup (internal/model.Config),
// matching the teacher's single globally-configured n_ctx.
type LoadModelRequest struct {
	ModelPath   string `json:"model_path"`
	GPULayers   *int   `json:"gpu_layers,omitempty"`
	ContextSize *int   `json:"context_size,omitempty"`
}

// ErrorResponse is the body of every non-2xx response (spec.md §7),
// mirrored from original_source/src/api/schema.rs's ErrorResponse.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
