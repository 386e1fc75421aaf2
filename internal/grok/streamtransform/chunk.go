package streamtransform

import "github.com/tidwall/sjson"

// buildChunk renders one OpenAI chat-completion-chunk SSE payload. content
// == "" produces an empty delta object; finishReason == "" leaves
// finish_reason null.
func buildChunk(id, model string, created int64, content, finishReason string) string {
	s := `{}`
	s, _ = sjson.Set(s, "id", id)
	s, _ = sjson.Set(s, "object", "chat.completion.chunk")
	s, _ = sjson.Set(s, "created", created)
	s, _ = sjson.Set(s, "model", model)
	s, _ = sjson.Set(s, "choices.0.index", 0)
	if content != "" {
		s, _ = sjson.Set(s, "choices.0.delta.role", "assistant")
		s, _ = sjson.Set(s, "choices.0.delta.content", content)
	} else {
		s, _ = sjson.SetRaw(s, "choices.0.delta", "{}")
	}
	if finishReason == "" {
		s, _ = sjson.SetRaw(s, "choices.0.finish_reason", "null")
	} else {
		s, _ = sjson.Set(s, "choices.0.finish_reason", finishReason)
	}
	return s
}
