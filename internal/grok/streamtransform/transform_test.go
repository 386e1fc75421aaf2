package streamtransform

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/grok-openai-gateway/internal/grok"
)

type collector struct {
	lines []string
}

func (c *collector) Emit(line string) error {
	c.lines = append(c.lines, line)
	return nil
}

func (c *collector) contents() []string {
	var out []string
	for _, l := range c.lines {
		if strings.HasPrefix(l, "data: {") {
			out = append(out, extractContent(l))
		}
	}
	return out
}

// extractContent decodes the delta content of one SSE data line, resolving
// JSON escapes such as \n and the unicode escapes the chunk encoder writes
// for angle brackets.
func extractContent(line string) string {
	payload := strings.TrimSuffix(strings.TrimPrefix(line, "data: "), "\n\n")
	return gjson.Get(payload, "choices.0.delta.content").String()
}

// withoutStreamIdentity joins a run's lines with the chunk id and created
// timestamp blanked: every run mints its own id, so only the rest of the
// output can be compared byte for byte across runs.
func withoutStreamIdentity(lines []string) string {
	var sb strings.Builder
	for _, l := range lines {
		if strings.HasPrefix(l, "data: {") {
			payload := strings.TrimSuffix(strings.TrimPrefix(l, "data: "), "\n\n")
			payload, _ = sjson.Set(payload, "id", "")
			payload, _ = sjson.Set(payload, "created", 0)
			l = "data: " + payload + "\n\n"
		}
		sb.WriteString(l)
	}
	return sb.String()
}

func TestRunPlainTextThinkWrap(t *testing.T) {
	body := strings.NewReader(
		`{"result":{"response":{"isThinking":true,"token":"hi"}}}` + "\n" +
			`{"result":{"response":{"isThinking":false,"token":" world"}}}` + "\n",
	)
	c := &collector{}
	res := Run(context.Background(), body, "grok-4", grok.Settings{ShowThinking: true, ShowSearch: false}, "https://proxy", Hooks{}, c)

	if res.Status != 200 {
		t.Fatalf("expected status 200, got %d", res.Status)
	}
	contents := c.contents()
	if len(contents) < 2 {
		t.Fatalf("expected at least 2 content deltas, got %v", contents)
	}
	if contents[0] != "<think>\nhi" {
		t.Fatalf("expected first delta %q, got %q", "<think>\nhi", contents[0])
	}
	if contents[1] != "\n</think>\n world" {
		t.Fatalf("expected second delta %q, got %q", "\n</think>\n world", contents[1])
	}
	if c.lines[len(c.lines)-1] != "data: [DONE]\n\n" {
		t.Fatalf("expected stream to end with DONE, got %q", c.lines[len(c.lines)-1])
	}
}

func TestRunExactlyOneDone(t *testing.T) {
	body := strings.NewReader(`{"result":{"response":{"token":"hi"}}}` + "\n")
	c := &collector{}
	Run(context.Background(), body, "grok-4", grok.Settings{}, "https://proxy", Hooks{}, c)

	count := 0
	for _, l := range c.lines {
		if l == "data: [DONE]\n\n" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one DONE frame, got %d", count)
	}
}

func TestRunThinkTagsBalanced(t *testing.T) {
	body := strings.NewReader(
		`{"result":{"response":{"isThinking":true,"token":"reasoning..."}}}` + "\n",
	)
	c := &collector{}
	Run(context.Background(), body, "grok-4", grok.Settings{ShowThinking: true}, "https://proxy", Hooks{}, c)

	opens, closes := 0, 0
	for _, content := range c.contents() {
		opens += strings.Count(content, "<think>")
		closes += strings.Count(content, "</think>")
	}
	if opens != closes {
		t.Fatalf("unbalanced think tags: %d opens vs %d closes", opens, closes)
	}
	if opens == 0 {
		t.Fatalf("expected at least one think block to have opened")
	}
}

func TestRunImageTerminal(t *testing.T) {
	body := strings.NewReader(
		`{"result":{"response":{"imageAttachmentInfo":{}}}}` + "\n" +
			`{"result":{"response":{"imageAttachmentInfo":{},"modelResponse":{"generatedImageUrls":["https://x/y.png"]}}}}` + "\n",
	)
	c := &collector{}
	res := Run(context.Background(), body, "grok-4", grok.Settings{}, "https://base", Hooks{}, c)

	if res.Status != 200 {
		t.Fatalf("expected status 200, got %d", res.Status)
	}
	contents := c.contents()
	if len(contents) == 0 {
		t.Fatalf("expected an image content delta")
	}
	last := contents[len(contents)-1]
	if !strings.HasPrefix(last, "![Generated Image](https://base/images/u_") {
		t.Fatalf("expected markdown image delta, got %q", last)
	}
	if !strings.Contains(c.lines[len(c.lines)-1], "[DONE]") {
		t.Fatalf("expected stream to end with DONE")
	}
}

func TestRunVideoPosterPreview(t *testing.T) {
	body := strings.NewReader(
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":50,"videoUrl":"https://v/a.mp4","thumbnailImageUrl":"https://v/a.jpg"}}}}` + "\n" +
			`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":100,"videoUrl":"https://v/a.mp4","thumbnailImageUrl":"https://v/a.jpg"}}}}` + "\n",
	)
	c := &collector{}
	Run(context.Background(), body, "grok-4", grok.Settings{ShowThinking: true, VideoPosterPreview: true}, "https://base", Hooks{}, c)

	contents := c.contents()
	joined := strings.Join(contents, "")
	if !strings.Contains(joined, "<think>视频已生成50%") {
		t.Fatalf("expected progress think-open, got %v", contents)
	}
	if !strings.Contains(joined, "视频已生成100%</think>") {
		t.Fatalf("expected progress think-close, got %v", contents)
	}
	if !strings.Contains(joined, "<a href=") {
		t.Fatalf("expected poster-preview anchor block, got %v", contents)
	}
}

func TestRunErrorFrame(t *testing.T) {
	body := strings.NewReader(`{"error":{"message":"boom"}}` + "\n")
	c := &collector{}
	res := Run(context.Background(), body, "grok-4", grok.Settings{}, "https://base", Hooks{}, c)

	if res.Status != 500 {
		t.Fatalf("expected status 500, got %d", res.Status)
	}
	contents := c.contents()
	if len(contents) == 0 || contents[0] != "Error: boom" {
		t.Fatalf("expected error chunk, got %v", contents)
	}
}

func TestRunEmptyUpstreamHint(t *testing.T) {
	body := strings.NewReader("")
	c := &collector{}
	res := Run(context.Background(), body, "grok-4", grok.Settings{}, "https://base", Hooks{}, c)

	if res.Status != 200 {
		t.Fatalf("expected status 200, got %d", res.Status)
	}
	contents := c.contents()
	if len(contents) == 0 || contents[0] != "上游未返回可用内容" {
		t.Fatalf("expected empty-upstream hint, got %v", contents)
	}
}

func TestRunOnMetaAndOnFinishCalled(t *testing.T) {
	body := strings.NewReader(
		`{"result":{"conversation":{"conversationId":"c1"},"response":{"responseId":"r1","token":"hi"}}}` + "\n",
	)
	var metaCalls int
	var finishCalls int
	hooks := Hooks{
		OnMeta:   func(grok.Meta) { metaCalls++ },
		OnFinish: func(grok.FinishResult) { finishCalls++ },
	}
	c := &collector{}
	Run(context.Background(), body, "grok-4", grok.Settings{}, "https://base", hooks, c)

	if metaCalls == 0 {
		t.Fatalf("expected onMeta to be called at least once")
	}
	if finishCalls != 1 {
		t.Fatalf("expected onFinish to be called exactly once, got %d", finishCalls)
	}
}

// smallChunkReader drips the underlying string out a few bytes at a time,
// to exercise the transformer against arbitrary read-boundary splits.
type smallChunkReader struct {
	data string
	pos  int
}

func (r *smallChunkReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := 3
	if n > len(p) {
		n = len(p)
	}
	if r.pos+n > len(r.data) {
		n = len(r.data) - r.pos
	}
	copy(p, r.data[r.pos:r.pos+n])
	r.pos += n
	return n, nil
}

func TestRunSplitAcrossChunksByteEqual(t *testing.T) {
	full := `{"result":{"response":{"token":"hello world"}}}` + "\n"

	c1 := &collector{}
	Run(context.Background(), strings.NewReader(full), "grok-4", grok.Settings{}, "https://base", Hooks{}, c1)

	c2 := &collector{}
	res := Run(context.Background(), &smallChunkReader{data: full}, "grok-4", grok.Settings{}, "https://base", Hooks{}, c2)

	if withoutStreamIdentity(c1.lines) != withoutStreamIdentity(c2.lines) {
		t.Fatalf("expected byte-equal output regardless of chunking, got:\n%v\nvs\n%v", c1.lines, c2.lines)
	}
	if res.Status != 200 {
		t.Fatalf("expected status 200, got %d", res.Status)
	}
}
