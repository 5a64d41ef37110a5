package template

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectKind(t *testing.T) {
	cases := map[string]Kind{
		"Meta-Llama-3-8B-Instruct.gguf": Llama3,
		"llama3-70b.gguf":               Llama3,
		"gemma-2-9b-it.gguf":            Gemma,
		"qwen2.5-7b-instruct.gguf":      ChatML,
		"lfm2-1.2b.gguf":                ChatML,
		"alpaca-7b.gguf":                Alpaca,
		"mystery-model.gguf":            ChatML,
	}
	for name, want := range cases {
		require.Equal(t, want, DetectKind(name), name)
	}
}

func TestRenderChatML(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "hi"},
	}
	got := Render(ChatML, msgs)
	want := "<|im_start|>system\nbe terse<|im_end|>\n<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n"
	require.Equal(t, want, got)
}

func TestRenderLlama3(t *testing.T) {
	msgs := []Message{{Role: RoleUser, Content: "hi"}}
	got := Render(Llama3, msgs)
	want := "<|begin_of_text|><|start_header_id|>user<|end_header_id|>\n\nhi<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\n"
	require.Equal(t, want, got)
}

func TestRenderAlpacaUsesLastMessageOnly(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "ignored"},
		{Role: RoleUser, Content: "what is the capital of France?"},
	}
	got := Render(Alpaca, msgs)
	require.Equal(t, "### Instruction:\nwhat is the capital of France?\n\n### Response:\n", got)
}

func TestRenderRawJoinsWithNewline(t *testing.T) {
	msgs := []Message{{Content: "a"}, {Content: "b"}}
	require.Equal(t, "a\nb", Render(Raw, msgs))
}

func TestStopSequences(t *testing.T) {
	require.Equal(t, []string{"<|im_end|>"}, StopSequences(ChatML))
	require.Equal(t, []string{"<|eot_id|>"}, StopSequences(Llama3))
	require.Equal(t, []string{"###", "\n###"}, StopSequences(Alpaca))
	require.Nil(t, StopSequences(Raw))
}

func TestChatMLRoundTrip(t *testing.T) {
	original := []Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	}
	rendered := Render(ChatML, original)
	parsed := ParseChatML(rendered)
	require.Equal(t, original, parsed)
}
