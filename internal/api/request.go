package api

import (
	"github.com/tidwall/gjson"

	"github.com/router-for-me/grok-openai-gateway/internal/grok"
	"github.com/router-for-me/grok-openai-gateway/internal/grok/conversation"
)

// chatRequest is the parsed shape of an incoming POST /v1/chat/completions
// body. The upstream payload forwarded to Grok is opaque per spec.md §4.I,
// so this only extracts what the gateway itself needs: the message history
// for hashing, the last user turn's text to send upstream, and a handful of
// gateway-specific rendering overrides layered on top of config defaults.
type chatRequest struct {
	Model        string
	Messages     []conversation.Message
	Stream       bool
	LastUserText string
}

// parseChatRequest extracts a chatRequest from a raw JSON body using gjson,
// matching the "typed view via conditional field accessors" idiom spec.md
// §9 calls for when consuming schemaless JSON.
func parseChatRequest(raw []byte) chatRequest {
	var req chatRequest
	req.Model = gjson.GetBytes(raw, "model").String()
	req.Stream = gjson.GetBytes(raw, "stream").Bool()

	messages := gjson.GetBytes(raw, "messages")
	if messages.IsArray() {
		messages.ForEach(func(_, item gjson.Result) bool {
			req.Messages = append(req.Messages, parseMessage(item))
			return true
		})
	}

	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			req.LastUserText = req.Messages[i].ExtractedText()
			break
		}
	}
	return req
}

func parseMessage(item gjson.Result) conversation.Message {
	m := conversation.Message{Role: item.Get("role").String()}
	content := item.Get("content")
	if content.IsArray() {
		m.IsArray = true
		content.ForEach(func(_, part gjson.Result) bool {
			m.Parts = append(m.Parts, conversation.MessagePart{Text: part.Get("text").String()})
			return true
		})
		return m
	}
	m.Text = content.String()
	return m
}

// settingsFromRequest merges per-request rendering overrides (if present in
// the raw body) on top of the config defaults.
func settingsFromRequest(raw []byte, defaults grok.Settings) grok.Settings {
	s := defaults
	if v := gjson.GetBytes(raw, "show_thinking"); v.Exists() {
		s.ShowThinking = v.Bool()
	}
	if v := gjson.GetBytes(raw, "show_search"); v.Exists() {
		s.ShowSearch = v.Bool()
	}
	if v := gjson.GetBytes(raw, "video_poster_preview"); v.Exists() {
		s.VideoPosterPreview = v.Bool()
	}
	if v := gjson.GetBytes(raw, "filtered_tags"); v.IsArray() {
		var tags []string
		v.ForEach(func(_, t gjson.Result) bool {
			tags = append(tags, t.String())
			return true
		})
		s.FilteredTags = tags
	}
	return s
}
