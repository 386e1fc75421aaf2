// Package collect implements the non-stream sibling of streamtransform: it
// consumes an entire NDJSON body and folds it into one final chat
// completion object instead of a sequence of SSE chunks.
package collect

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/grok-openai-gateway/internal/grok"
	"github.com/router-for-me/grok-openai-gateway/internal/grok/asset"
	"github.com/router-for-me/grok-openai-gateway/internal/grok/toolcard"
)

const emptyUpstreamHint = "上游未返回可用内容"

// Result is the final, folded chat-completion response body.
type Result struct {
	JSON string
	Meta grok.Meta
}

// Hooks mirror streamtransform.Hooks so callers can share settings plumbing.
type Hooks struct {
	OnMeta   func(grok.Meta)
	OnFinish func(grok.FinishResult)
}

// Run consumes body to EOF and folds it into one OpenAI chat-completion
// object, returning grok.UpstreamError when the upstream reported an error
// frame or a modelResponse.error.
func Run(body io.Reader, model string, settings grok.Settings, assetBaseURL string, hooks Hooks) (Result, error) {
	start := time.Now()
	reader := bufio.NewReaderSize(body, 64*1024)
	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	c := &collector{
		model:        model,
		settings:     settings,
		assetBaseURL: assetBaseURL,
		parser:       toolcard.NewParser(),
	}

	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			if upErr := c.handleLine(line, hooks); upErr != nil {
				finishAndReport(hooks, 500, start, c.meta)
				return Result{}, upErr
			}
		}
		if err != nil {
			break
		}
	}

	content := c.finalContent()
	status := 200
	finishAndReport(hooks, status, start, c.meta)

	body2 := `{}`
	body2, _ = sjson.Set(body2, "id", id)
	body2, _ = sjson.Set(body2, "object", "chat.completion")
	body2, _ = sjson.Set(body2, "created", created)
	body2, _ = sjson.Set(body2, "model", c.model)
	body2, _ = sjson.Set(body2, "choices.0.index", 0)
	body2, _ = sjson.Set(body2, "choices.0.message.role", "assistant")
	body2, _ = sjson.Set(body2, "choices.0.message.content", content)
	body2, _ = sjson.Set(body2, "choices.0.finish_reason", "stop")

	return Result{JSON: body2, Meta: c.meta}, nil
}

func finishAndReport(hooks Hooks, status int, start time.Time, meta grok.Meta) {
	if hooks.OnFinish != nil {
		hooks.OnFinish(grok.FinishResult{Status: status, DurationSecs: time.Since(start).Seconds(), Meta: meta})
	}
}

type collector struct {
	model        string
	settings     grok.Settings
	assetBaseURL string
	meta         grok.Meta

	parser        *toolcard.Parser
	lastRolloutID string

	tokenParts      []string
	latestMessage   string
	latestToolLines []string
	mergedContent   string
	mergedSet       bool
}

func (c *collector) handleLine(line string, hooks Hooks) error {
	if !gjson.Valid(line) {
		return nil
	}
	raw := []byte(line)
	c.updateMeta(raw, hooks)

	if msg := gjson.GetBytes(raw, "error.message"); msg.Exists() && msg.String() != "" {
		return &grok.UpstreamError{Message: msg.String()}
	}

	root := gjson.GetBytes(raw, "result.response")
	if !root.Exists() {
		return nil
	}

	if newModel := root.Get("userResponse.model").String(); newModel != "" {
		c.model = newModel
	}

	if errMsg := root.Get("modelResponse.error").String(); errMsg != "" {
		return &grok.UpstreamError{Message: errMsg}
	}

	if msg := root.Get("modelResponse.message"); msg.Exists() && msg.String() != "" {
		res := toolcard.ReplaceToolUsageCardsInText(msg.String(), toolcard.Options{
			EmitLines:         c.settings.ShowThinking && c.settings.ShowSearch,
			FallbackRolloutID: c.lastRolloutID,
		})
		c.latestMessage = res.Text
		c.latestToolLines = res.Lines
	}

	if vg := root.Get("streamingVideoGenerationResponse"); vg.Exists() {
		c.handleVideo(vg)
		return nil
	}

	if imgs := root.Get("modelResponse.generatedImageUrls"); imgs.Exists() && imgs.IsArray() {
		var urls []string
		imgs.ForEach(func(_, v gjson.Result) bool {
			urls = append(urls, v.String())
			return true
		})
		valid := asset.Normalize(urls)
		if len(valid) > 0 {
			parts := make([]string, 0, len(valid))
			for _, u := range valid {
				parts = append(parts, fmt.Sprintf("![Generated Image](%s)", c.proxyURL(u)))
			}
			c.mergedContent = strings.Join(parts, "\n")
			c.mergedSet = true
		}
	}

	if id := root.Get("rolloutId").String(); id != "" {
		c.lastRolloutID = id
	} else if id := root.Get("toolUsageCardId").String(); id != "" {
		c.lastRolloutID = id
	}

	token := root.Get("token").String()
	for _, tag := range c.settings.FilteredTags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		lower := strings.ToLower(tag)
		if strings.Contains(lower, "tool_usage_card") || strings.Contains(lower, "tool_name") {
			continue
		}
		if strings.Contains(token, tag) {
			token = ""
			break
		}
	}

	emitLines := c.settings.ShowThinking && c.settings.ShowSearch
	res := c.parser.Consume(token, toolcard.Options{EmitLines: emitLines, FallbackRolloutID: c.lastRolloutID})
	if res.Text != "" {
		c.tokenParts = append(c.tokenParts, res.Text)
	}
	c.tokenParts = append(c.tokenParts, res.Lines...)
	return nil
}

func (c *collector) handleVideo(vg gjson.Result) {
	videoURL := vg.Get("videoUrl").String()
	if videoURL == "" {
		return
	}
	thumb := vg.Get("thumbnailImageUrl").String()
	encodedVideo := c.proxyURL(videoURL)
	var html string
	if c.settings.VideoPosterPreview && thumb != "" {
		html = fmt.Sprintf(`<a href="%s" target="_blank"><img src="%s"/></a>`, encodedVideo, c.proxyURL(thumb))
	} else {
		poster := ""
		if thumb != "" {
			poster = fmt.Sprintf(` poster="%s"`, c.proxyURL(thumb))
		}
		html = fmt.Sprintf(`<video controls%s src="%s"></video>`, poster, encodedVideo)
	}
	c.mergedContent = html
	c.mergedSet = true
}

func (c *collector) proxyURL(rawURL string) string {
	base := strings.TrimRight(c.assetBaseURL, "/")
	return base + "/images/" + asset.Encode(rawURL)
}

func (c *collector) updateMeta(raw []byte, hooks Hooks) {
	changed := false
	if id := gjson.GetBytes(raw, "result.conversation.conversationId").String(); id != "" && id != c.meta.GrokConversationID {
		c.meta.GrokConversationID = id
		changed = true
	}
	for _, p := range []string{
		"result.response.responseId",
		"result.response.modelResponse.responseId",
		"result.modelResponse.responseId",
		"result.userResponse.responseId",
	} {
		if id := gjson.GetBytes(raw, p).String(); id != "" {
			if id != c.meta.LastResponseID {
				c.meta.LastResponseID = id
				changed = true
			}
			break
		}
	}
	if changed && hooks.OnMeta != nil {
		hooks.OnMeta(c.meta)
	}
}

// finalContent applies the precedence rule from spec.md §4.F: mergedContent
// wins over latestMessage, which wins over concatenated token parts; tool
// lines are prepended as a think block when present.
func (c *collector) finalContent() string {
	var body string
	switch {
	case c.mergedSet:
		body = c.mergedContent
	case c.latestMessage != "":
		body = c.latestMessage
	default:
		body = strings.Join(c.tokenParts, "")
	}

	if len(c.latestToolLines) > 0 {
		lines := strings.Join(c.latestToolLines, "\n")
		if body == "" {
			return "<think>\n" + lines + "\n</think>\n"
		}
		return "<think>\n" + lines + "\n</think>\n" + body
	}

	if body == "" {
		return emptyUpstreamHint
	}
	return body
}
