package toolcard

import (
	"reflect"
	"testing"
)

func TestConsumePlainTextPassesThrough(t *testing.T) {
	p := NewParser()
	res := p.Consume("hello world", Options{EmitLines: true, FallbackRolloutID: "r1"})
	if res.Text != "hello world" {
		t.Fatalf("expected passthrough text, got %q", res.Text)
	}
	if len(res.Lines) != 0 {
		t.Fatalf("expected no lines, got %v", res.Lines)
	}
}

func TestConsumeCardSplitAcrossChunks(t *testing.T) {
	p := NewParser()

	chunk1 := `before <xai:tool_usage_card><xai:tool_name>web_search</xai:tool_name>`
	chunk2 := `<xai:tool_args><![CDATA[{"query":"foo"}]]></xai:tool_args></xai:tool_usage_card> after`

	first := p.Consume(chunk1, Options{EmitLines: true, FallbackRolloutID: "r1"})
	if first.Text != "before " {
		t.Fatalf("expected leading text only, got %q", first.Text)
	}
	if len(first.Lines) != 0 {
		t.Fatalf("expected card to stay buffered, got lines %v", first.Lines)
	}

	second := p.Consume(chunk2, Options{EmitLines: true, FallbackRolloutID: "r1"})
	if second.Text != " after" {
		t.Fatalf("expected trailing text, got %q", second.Text)
	}
	want := []string{"[r1][WebSearch] foo"}
	if !reflect.DeepEqual(second.Lines, want) {
		t.Fatalf("expected %v, got %v", want, second.Lines)
	}
}

func TestConsumeCardDroppedWhenEmitLinesFalse(t *testing.T) {
	p := NewParser()
	full := `<xai:tool_usage_card><xai:tool_name>web_search</xai:tool_name>` +
		`<xai:tool_args><![CDATA[{"query":"foo"}]]></xai:tool_args></xai:tool_usage_card>tail`

	res := p.Consume(full, Options{EmitLines: false, FallbackRolloutID: "r1"})
	if res.Text != "tail" {
		t.Fatalf("expected only trailing text, got %q", res.Text)
	}
	if len(res.Lines) != 0 {
		t.Fatalf("expected no lines when EmitLines is false, got %v", res.Lines)
	}
}

func TestConsumeRolloutIDFromArgs(t *testing.T) {
	p := NewParser()
	full := `<xai:tool_name>search_image</xai:tool_name>` +
		`<xai:tool_args><![CDATA[{"rollout_id":"abc123","prompt":"a cat"}]]></xai:tool_args>`

	res := p.Consume(full, Options{EmitLines: true, FallbackRolloutID: "fallback"})
	want := []string{"[abc123][SearchImage] a cat"}
	if !reflect.DeepEqual(res.Lines, want) {
		t.Fatalf("expected %v, got %v", want, res.Lines)
	}
}

func TestConsumeUnknownTypeKeepsRawName(t *testing.T) {
	p := NewParser()
	full := `<xai:tool_name>custom_tool</xai:tool_name>` +
		`<xai:tool_args><![CDATA[{"content":"did a thing"}]]></xai:tool_args>`

	res := p.Consume(full, Options{EmitLines: true, FallbackRolloutID: "r9"})
	want := []string{"[r9][custom_tool] did a thing"}
	if !reflect.DeepEqual(res.Lines, want) {
		t.Fatalf("expected %v, got %v", want, res.Lines)
	}
}

func TestConsumeEmptyContentYieldsPrefixOnly(t *testing.T) {
	p := NewParser()
	full := `<xai:tool_name>agent_think</xai:tool_name>` +
		`<xai:tool_args><![CDATA[{"rollout_id":"r1"}]]></xai:tool_args>`

	res := p.Consume(full, Options{EmitLines: true})
	want := []string{"[r1][AgentThink]"}
	if !reflect.DeepEqual(res.Lines, want) {
		t.Fatalf("expected %v, got %v", want, res.Lines)
	}
}

func TestConsumeNonParsableFragmentReemittedAsText(t *testing.T) {
	p := NewParser()
	full := `<xai:tool_usage_card>not a real card</xai:tool_usage_card>tail`

	res := p.Consume(full, Options{EmitLines: true, FallbackRolloutID: "r1"})
	if res.Text != full {
		t.Fatalf("expected verbatim passthrough of non-parsable fragment, got %q", res.Text)
	}
	if len(res.Lines) != 0 {
		t.Fatalf("expected no lines, got %v", res.Lines)
	}
}

func TestFlushEmitsResidualAsText(t *testing.T) {
	p := NewParser()
	first := p.Consume("lead <xai:tool_name>web_search", Options{EmitLines: true})
	if first.Text != "lead " {
		t.Fatalf("expected leading text, got %q", first.Text)
	}

	flushed := p.Flush(Options{EmitLines: true, EmitIncompleteAsText: true})
	if flushed.Text != "<xai:tool_name>web_search" {
		t.Fatalf("expected residual buffer as text, got %q", flushed.Text)
	}
}

func TestReplaceToolUsageCardsInTextOneShot(t *testing.T) {
	input := `intro <xai:tool_usage_card><xai:tool_name>web_search</xai:tool_name>` +
		`<xai:tool_args><![CDATA[{"query":"bar"}]]></xai:tool_args></xai:tool_usage_card> outro`

	res := ReplaceToolUsageCardsInText(input, Options{EmitLines: true, FallbackRolloutID: "r1"})
	if res.Text != "intro  outro" {
		t.Fatalf("expected surrounding text stitched together, got %q", res.Text)
	}
	want := []string{"[r1][WebSearch] bar"}
	if !reflect.DeepEqual(res.Lines, want) {
		t.Fatalf("expected %v, got %v", want, res.Lines)
	}
}

func TestNormalizeTypeVariants(t *testing.T) {
	cases := map[string]string{
		"web_search":      "WebSearch",
		"web-search":      "WebSearch",
		"search_image":    "SearchImage",
		"search_images":   "SearchImage",
		"image_search":    "SearchImage",
		"agent_think":     "AgentThink",
		"chatroom_send":   "AgentThink",
		"":                "Unknown",
		"some_other_tool": "some_other_tool",
	}
	for raw, want := range cases {
		if got := normalizeType(raw); got != want {
			t.Errorf("normalizeType(%q) = %q, want %q", raw, got, want)
		}
	}
}
