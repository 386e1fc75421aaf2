// Package streamtransform implements the NDJSON→SSE translation engine —
// the heart of the gateway. It consumes an upstream Grok response body one
// line at a time and emits OpenAI-shaped chat-completion-chunk SSE frames,
// enforcing a three-tier timeout machine and bracketing chain-of-thought
// content with think tags.
package streamtransform

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/grok-openai-gateway/internal/grok"
	"github.com/router-for-me/grok-openai-gateway/internal/grok/asset"
	"github.com/router-for-me/grok-openai-gateway/internal/grok/toolcard"
)

const emptyUpstreamHint = "上游未返回可用内容"

// Emitter receives one already-framed "data: ...\n\n" line at a time. The
// HTTP layer implements this over its response writer; nothing here knows
// about net/http.
type Emitter interface {
	Emit(line string) error
}

// EmitterFunc adapts a plain function to Emitter.
type EmitterFunc func(string) error

func (f EmitterFunc) Emit(line string) error { return f(line) }

// Hooks are invoked as the stream progresses. Neither is required to be set.
type Hooks struct {
	OnMeta   func(grok.Meta)
	OnFinish func(grok.FinishResult)
}

type lineResult struct {
	line string
	err  error
}

// Run drives one stream to completion, returning the same FinishResult also
// passed to hooks.OnFinish.
func Run(ctx context.Context, body io.Reader, model string, settings grok.Settings, assetBaseURL string, hooks Hooks, emitter Emitter) grok.FinishResult {
	s := &streamState{
		ctx:           ctx,
		reader:        bufio.NewReaderSize(body, 64*1024),
		model:         model,
		settings:      settings,
		assetBaseURL:  assetBaseURL,
		hooks:         hooks,
		emitter:       emitter,
		id:            "chatcmpl-" + uuid.NewString(),
		created:       time.Now().Unix(),
		start:         time.Now(),
		parser:        toolcard.NewParser(),
		videoProgress: -1,
	}
	return s.run()
}

type streamState struct {
	ctx          context.Context
	reader       *bufio.Reader
	model        string
	settings     grok.Settings
	assetBaseURL string
	hooks        Hooks
	emitter      Emitter

	id      string
	created int64
	start   time.Time

	meta grok.Meta

	firstReceived bool
	frameCount    int
	contentSent   bool
	finalStatus   int

	thinkOpen      bool
	videoThinkOpen bool
	videoProgress  int

	imageMode bool

	parser           *toolcard.Parser
	lastRolloutID    string

	lastModelMessage string
	hasModelMessage  bool
}

func (s *streamState) run() grok.FinishResult {
	s.finalStatus = 200
	stop := make(chan struct{})
	defer close(stop)
	lines := readLines(s.reader, stop)

	for {
		timeout := s.effectiveTimeout()
		var timer *time.Timer
		var timeoutCh <-chan time.Time
		if timeout > 0 {
			timer = time.NewTimer(timeout)
			timeoutCh = timer.C
		}

		select {
		case <-s.ctx.Done():
			stopTimer(timer)
			return s.finishGraceful()
		case <-timeoutCh:
			return s.finishGraceful()
		case res, ok := <-lines:
			stopTimer(timer)
			if !ok {
				return s.finishGraceful()
			}
			if res.err != nil {
				return s.finishException(res.err.Error())
			}
			if gjson.Valid(res.line) {
				s.frameCount++
			}
			s.firstReceived = true
			if terminal, result := s.handleLine(res.line); terminal {
				return result
			}
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func readLines(r *bufio.Reader, stop <-chan struct{}) <-chan lineResult {
	ch := make(chan lineResult)
	go func() {
		defer close(ch)
		for {
			line, err := r.ReadString('\n')
			line = strings.TrimRight(line, "\r\n")
			if line != "" {
				select {
				case ch <- lineResult{line: line}:
				case <-stop:
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case ch <- lineResult{err: err}:
					case <-stop:
					}
				}
				return
			}
		}
	}()
	return ch
}

func (s *streamState) effectiveTimeout() time.Duration {
	tier := s.settings.FirstTimeoutMs
	if s.firstReceived {
		tier = s.settings.ChunkTimeoutMs
	}
	var candidates []int64
	if tier > 0 {
		candidates = append(candidates, tier)
	}
	if s.settings.TotalTimeoutMs > 0 {
		elapsed := time.Since(s.start).Milliseconds()
		remaining := s.settings.TotalTimeoutMs - elapsed
		if remaining < 0 {
			remaining = 0
		}
		candidates = append(candidates, remaining)
	}
	if len(candidates) == 0 {
		return 0
	}
	min := candidates[0]
	for _, c := range candidates[1:] {
		if c < min {
			min = c
		}
	}
	return time.Duration(min) * time.Millisecond
}

// handleLine processes one NDJSON line. terminal is true when the stream
// must end immediately (error frame or image terminal); result is only
// meaningful when terminal is true.
func (s *streamState) handleLine(line string) (bool, grok.FinishResult) {
	if !gjson.Valid(line) {
		return false, grok.FinishResult{}
	}
	raw := []byte(line)

	s.updateMeta(raw)

	if msg := gjson.GetBytes(raw, "error.message"); msg.Exists() && msg.String() != "" {
		return true, s.finishErrorFrame(msg.String())
	}

	root := gjson.GetBytes(raw, "result.response")
	if !root.Exists() {
		return false, grok.FinishResult{}
	}

	if newModel := root.Get("userResponse.model").String(); newModel != "" {
		s.model = newModel
	}

	if msg := root.Get("modelResponse.message"); msg.Exists() && msg.String() != "" {
		s.lastModelMessage = msg.String()
		s.hasModelMessage = true
	}

	if vg := root.Get("streamingVideoGenerationResponse"); vg.Exists() {
		s.handleVideoFrame(vg)
		return false, grok.FinishResult{}
	}

	if root.Get("imageAttachmentInfo").Exists() {
		s.imageMode = true
	}
	if s.imageMode {
		if terminal, result := s.handleImageFrame(root); terminal {
			return true, result
		}
		return false, grok.FinishResult{}
	}

	s.handleTextFrame(root)
	return false, grok.FinishResult{}
}

func (s *streamState) updateMeta(raw []byte) {
	changed := false
	if id := gjson.GetBytes(raw, "result.conversation.conversationId").String(); id != "" && id != s.meta.GrokConversationID {
		s.meta.GrokConversationID = id
		changed = true
	}
	responsePaths := []string{
		"result.response.responseId",
		"result.response.modelResponse.responseId",
		"result.modelResponse.responseId",
		"result.userResponse.responseId",
	}
	for _, p := range responsePaths {
		if id := gjson.GetBytes(raw, p).String(); id != "" {
			if id != s.meta.LastResponseID {
				s.meta.LastResponseID = id
				changed = true
			}
			break
		}
	}
	if changed && s.hooks.OnMeta != nil {
		s.hooks.OnMeta(s.meta)
	}
}

func (s *streamState) handleVideoFrame(vg gjson.Result) {
	progress := int(vg.Get("progress").Int())
	if s.settings.ShowThinking && progress > s.videoProgress {
		if s.videoProgress < 0 {
			s.emitContent(fmt.Sprintf("<think>视频已生成%d%%\n", progress))
			s.videoThinkOpen = true
		} else if progress < 100 {
			s.emitContent(fmt.Sprintf("视频已生成%d%%\n", progress))
		}
		if progress == 100 {
			s.emitContent("视频已生成100%</think>\n")
			s.videoThinkOpen = false
		}
		s.videoProgress = progress
	}

	videoURL := vg.Get("videoUrl").String()
	if videoURL == "" {
		return
	}
	thumb := vg.Get("thumbnailImageUrl").String()
	encodedVideo := s.proxyURL(videoURL)

	var html string
	if s.settings.VideoPosterPreview && thumb != "" {
		html = fmt.Sprintf(`<a href="%s" target="_blank"><img src="%s"/></a>`, encodedVideo, s.proxyURL(thumb))
	} else {
		poster := ""
		if thumb != "" {
			poster = fmt.Sprintf(` poster="%s"`, s.proxyURL(thumb))
		}
		html = fmt.Sprintf(`<video controls%s src="%s"></video>`, poster, encodedVideo)
	}
	s.emitContent(html)
}

func (s *streamState) handleImageFrame(root gjson.Result) (bool, grok.FinishResult) {
	imgs := root.Get("modelResponse.generatedImageUrls")
	if imgs.Exists() && imgs.IsArray() {
		var urls []string
		imgs.ForEach(func(_, v gjson.Result) bool {
			urls = append(urls, v.String())
			return true
		})
		valid := asset.Normalize(urls)
		if len(valid) > 0 {
			parts := make([]string, 0, len(valid))
			for _, u := range valid {
				parts = append(parts, fmt.Sprintf("![Generated Image](%s)", s.proxyURL(u)))
			}
			content := s.closeThinkPrefix() + strings.Join(parts, "\n")
			s.emitFinal(content, "stop")
			s.emitDone()
			return true, s.finish(200)
		}
	}
	if token := root.Get("token").String(); token != "" {
		s.emitContent(token)
	}
	return false, grok.FinishResult{}
}

func (s *streamState) handleTextFrame(root gjson.Result) {
	currentIsThinking := root.Get("isThinking").Bool()

	if id := root.Get("rolloutId").String(); id != "" {
		s.lastRolloutID = id
	} else if id := root.Get("toolUsageCardId").String(); id != "" {
		s.lastRolloutID = id
	}

	token := root.Get("token").String()
	token = s.applyFilteredTags(token)

	emitLines := s.settings.ShowThinking && s.settings.ShowSearch
	res := s.parser.Consume(token, toolcard.Options{EmitLines: emitLines, FallbackRolloutID: s.lastRolloutID})

	bodyText := res.Text
	if root.Get("messageTag").String() == "header" && bodyText != "" {
		bodyText = "\n\n" + bodyText + "\n\n"
	}

	var prefix string
	if s.settings.ShowThinking {
		if currentIsThinking && !s.thinkOpen {
			prefix = "<think>\n"
			s.thinkOpen = true
		} else if !currentIsThinking && s.thinkOpen {
			prefix = "\n</think>\n"
			s.thinkOpen = false
		}
	} else if currentIsThinking {
		return
	}

	linesText := strings.Join(res.Lines, "\n")
	if linesText != "" {
		linesText += "\n"
	}

	content := prefix + linesText + bodyText
	if content != "" {
		s.emitContent(content)
	}
}

// applyFilteredTags drops the whole token when it substring-matches a
// configured filter tag, but never filters the tool-card parser's own
// opening markers — doing so would shred a card mid-stream.
func (s *streamState) applyFilteredTags(token string) string {
	for _, tag := range s.settings.FilteredTags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		lower := strings.ToLower(tag)
		if strings.Contains(lower, "tool_usage_card") || strings.Contains(lower, "tool_name") {
			continue
		}
		if strings.Contains(token, tag) {
			return ""
		}
	}
	return token
}

func (s *streamState) proxyURL(rawURL string) string {
	base := strings.TrimRight(s.assetBaseURL, "/")
	return base + "/images/" + asset.Encode(rawURL)
}

func (s *streamState) closeThinkPrefix() string {
	if s.thinkOpen {
		s.thinkOpen = false
		return "\n</think>\n"
	}
	return ""
}

func (s *streamState) emitContent(content string) {
	if content == "" {
		return
	}
	s.contentSent = true
	_ = s.emitter.Emit("data: " + buildChunk(s.id, s.model, s.created, content, "") + "\n\n")
}

func (s *streamState) emitStop() {
	_ = s.emitter.Emit("data: " + buildChunk(s.id, s.model, s.created, "", "stop") + "\n\n")
}

// emitFinal emits one chunk carrying both content and a terminal
// finish_reason, used by the image terminal, error-frame and exception
// paths where the spec wants a single combined chunk rather than a content
// chunk followed by a separate empty stop chunk.
func (s *streamState) emitFinal(content, finishReason string) {
	s.contentSent = true
	_ = s.emitter.Emit("data: " + buildChunk(s.id, s.model, s.created, content, finishReason) + "\n\n")
}

func (s *streamState) emitDone() {
	_ = s.emitter.Emit("data: [DONE]\n\n")
}

func (s *streamState) finish(status int) grok.FinishResult {
	result := grok.FinishResult{
		Status:       status,
		DurationSecs: time.Since(s.start).Seconds(),
		Meta:         s.meta,
	}
	if s.hooks.OnFinish != nil {
		s.hooks.OnFinish(result)
	}
	return result
}

func (s *streamState) finishErrorFrame(msg string) grok.FinishResult {
	s.parser.Flush(toolcard.Options{})
	s.thinkOpen = false
	s.videoThinkOpen = false
	s.emitFinal("Error: "+msg, "stop")
	s.emitDone()
	return s.finish(500)
}

func (s *streamState) finishException(msg string) grok.FinishResult {
	s.parser.Flush(toolcard.Options{})
	s.thinkOpen = false
	s.videoThinkOpen = false
	s.emitFinal("处理错误: "+msg, "error")
	s.emitDone()
	return s.finish(500)
}

func (s *streamState) finishGraceful() grok.FinishResult {
	emitLines := s.settings.ShowThinking && s.settings.ShowSearch
	flush := s.parser.Flush(toolcard.Options{EmitLines: emitLines, FallbackRolloutID: s.lastRolloutID, EmitIncompleteAsText: true})

	var tail strings.Builder
	if s.thinkOpen {
		tail.WriteString("\n</think>\n")
		s.thinkOpen = false
	}
	if s.videoThinkOpen {
		tail.WriteString("视频已生成100%</think>\n")
		s.videoThinkOpen = false
	}
	linesText := strings.Join(flush.Lines, "\n")
	if linesText != "" {
		linesText += "\n"
	}
	tail.WriteString(linesText)
	tail.WriteString(flush.Text)

	content := tail.String()
	if content == "" && !s.contentSent {
		if s.hasModelMessage && s.lastModelMessage != "" {
			res := toolcard.ReplaceToolUsageCardsInText(s.lastModelMessage, toolcard.Options{EmitLines: emitLines, FallbackRolloutID: s.lastRolloutID})
			resLines := strings.Join(res.Lines, "\n")
			if resLines != "" {
				resLines += "\n"
			}
			content = resLines + res.Text
		} else if s.frameCount == 0 {
			content = emptyUpstreamHint
		}
	}

	if content != "" {
		s.emitContent(content)
	}
	s.emitStop()
	s.emitDone()
	return s.finish(200)
}
