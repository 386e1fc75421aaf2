// Package toolcard incrementally extracts embedded pseudo-XML tool-usage
// cards (`<xai:tool_usage_card>` / `<xai:tool_name>`) from the Grok token
// stream. It is span-aware: a card may arrive split across arbitrary NDJSON
// token-delta boundaries, and the parser must neither lose nor duplicate
// text around it.
package toolcard

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Card is a single normalized tool-usage card.
type Card struct {
	RolloutID string
	Type      string
	Content   string
}

// Options controls a Consume/Flush/ReplaceToolUsageCardsInText call.
type Options struct {
	// EmitLines, when true, turns parsed cards into display lines. When
	// false, cards are parsed (to keep the buffer advancing correctly) but
	// silently dropped instead of emitted.
	EmitLines bool
	// FallbackRolloutID is used when a card carries no rollout id of its own.
	FallbackRolloutID string
	// EmitIncompleteAsText, used only by Flush, appends any residual
	// (incomplete) buffer content as plain text instead of discarding it.
	EmitIncompleteAsText bool
}

// Result is the text/lines produced by one parser call.
type Result struct {
	Text  string
	Lines []string
}

// Parser holds the buffered, not-yet-fully-parsed tail of the token stream.
// It is not safe for concurrent use; one Parser belongs to one stream.
type Parser struct {
	buf strings.Builder
}

// NewParser returns an empty Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Consume appends input to the internal buffer and extracts as many
// complete text/card fragments as the buffer currently allows.
func (p *Parser) Consume(input string, opts Options) Result {
	buf := p.buf.String() + input
	p.buf.Reset()

	var text strings.Builder
	var lines []string

	for {
		idxCard := indexCI(buf, "<xai:tool_usage_card")
		idxName := indexCI(buf, "<xai:tool_name>")
		start := minNonNeg(idxCard, idxName)

		if start < 0 {
			tail := buf
			if len(tail) > 64 {
				tail = tail[len(tail)-64:]
			}
			if idx := lastIndexCI(tail, "<xai:"); idx >= 0 {
				cut := len(buf) - len(tail) + idx
				text.WriteString(buf[:cut])
				buf = buf[cut:]
			} else {
				text.WriteString(buf)
				buf = ""
			}
			break
		}

		if start > 0 {
			text.WriteString(buf[:start])
			buf = buf[start:]
			continue
		}

		fragLen, ok := extractFragmentLength(buf)
		if !ok {
			break // incomplete card; wait for more input
		}

		fragment := buf[:fragLen]
		buf = buf[fragLen:]

		card, ok := parseFragment(fragment, opts.FallbackRolloutID)
		if !ok {
			text.WriteString(fragment)
			continue
		}
		if opts.EmitLines {
			lines = append(lines, cardLines(card)...)
		}
	}

	p.buf.WriteString(buf)
	return Result{Text: text.String(), Lines: lines}
}

// Flush runs one empty Consume and, if opts.EmitIncompleteAsText is set,
// appends the residual buffer as text and clears it.
func (p *Parser) Flush(opts Options) Result {
	res := p.Consume("", opts)
	if opts.EmitIncompleteAsText {
		res.Text += p.buf.String()
		p.buf.Reset()
	}
	return res
}

// ReplaceToolUsageCardsInText runs a one-shot Consume followed by a Flush
// with EmitIncompleteAsText set, on a fresh Parser, concatenating the
// results — useful for processing an already-complete text blob (e.g. a
// non-stream `modelResponse.message`).
func ReplaceToolUsageCardsInText(input string, opts Options) Result {
	p := NewParser()
	first := p.Consume(input, opts)
	flushOpts := opts
	flushOpts.EmitIncompleteAsText = true
	second := p.Flush(flushOpts)
	return Result{
		Text:  first.Text + second.Text,
		Lines: append(append([]string{}, first.Lines...), second.Lines...),
	}
}

func minNonNeg(a, b int) int {
	if a < 0 {
		return b
	}
	if b < 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func indexCI(haystack, needle string) int {
	return strings.Index(strings.ToLower(haystack), strings.ToLower(needle))
}

func lastIndexCI(haystack, needle string) int {
	return strings.LastIndex(strings.ToLower(haystack), strings.ToLower(needle))
}

const (
	tagCardClose = "</xai:tool_usage_card>"
	tagNameClose = "</xai:tool_name>"
	tagArgsClose = "</xai:tool_args>"
)

// extractFragmentLength determines how many bytes of buf (which starts with
// either "<xai:tool_usage_card" or "<xai:tool_name>") form one complete
// fragment, per spec.md §4.D step 4.
func extractFragmentLength(buf string) (int, bool) {
	lower := strings.ToLower(buf)
	if strings.HasPrefix(lower, "<xai:tool_usage_card") {
		idx := indexCI(buf, tagCardClose)
		if idx < 0 {
			return 0, false
		}
		return idx + len(tagCardClose), true
	}
	// starts with "<xai:tool_name>"
	nameCloseIdx := indexCI(buf, tagNameClose)
	if nameCloseIdx < 0 {
		return 0, false
	}
	afterName := nameCloseIdx + len(tagNameClose)
	argsCloseIdx := indexCI(buf[afterName:], tagArgsClose)
	if argsCloseIdx < 0 {
		return 0, false
	}
	fragLen := afterName + argsCloseIdx + len(tagArgsClose)

	rest := buf[fragLen:]
	trimmed := strings.TrimLeft(rest, " \t\r\n")
	if strings.HasPrefix(strings.ToLower(trimmed), tagCardClose) {
		consumed := len(rest) - len(trimmed) + len(tagCardClose)
		fragLen += consumed
	}
	return fragLen, true
}

// parseFragment parses a complete fragment into a normalized Card. It
// returns ok=false when the fragment carries no recognizable tool name,
// meaning the caller should re-emit the fragment verbatim as text.
func parseFragment(fragment, fallbackRolloutID string) (Card, bool) {
	name, hasName := extractBetween(fragment, "<xai:tool_name>", tagNameClose)
	if !hasName {
		return Card{}, false
	}
	name = stripCDATA(strings.TrimSpace(name))

	argsRaw, hasArgs := extractCDATABlock(fragment, "<xai:tool_args>", tagArgsClose)

	var parsed any
	parsedOK := false
	if hasArgs {
		if err := json.Unmarshal([]byte(argsRaw), &parsed); err == nil {
			parsedOK = true
		}
	}

	rolloutID := fallbackRolloutID
	if rolloutID == "" {
		rolloutID = "-"
	}
	if parsedOK {
		if id, found := findRolloutID(parsed, 0); found {
			rolloutID = id
		}
	}

	cardType := normalizeType(name)

	var content string
	if parsedOK {
		content = findContent(parsed, cardType, 0)
	} else if hasArgs {
		content = argsRaw
	}
	content = normalizeContent(content)

	return Card{RolloutID: rolloutID, Type: cardType, Content: content}, true
}

func extractBetween(s, openTag, closeTag string) (string, bool) {
	oi := indexCI(s, openTag)
	if oi < 0 {
		return "", false
	}
	start := oi + len(openTag)
	ci := indexCI(s[start:], closeTag)
	if ci < 0 {
		return "", false
	}
	return s[start : start+ci], true
}

func extractCDATABlock(s, openTag, closeTag string) (string, bool) {
	inner, ok := extractBetween(s, openTag, closeTag)
	if !ok {
		return "", false
	}
	inner = strings.TrimSpace(inner)
	const cdataOpen = "<![CDATA["
	const cdataClose = "]]>"
	if strings.HasPrefix(inner, cdataOpen) && strings.HasSuffix(inner, cdataClose) {
		return inner[len(cdataOpen) : len(inner)-len(cdataClose)], true
	}
	return inner, true
}

func stripCDATA(s string) string {
	const cdataOpen = "<![CDATA["
	const cdataClose = "]]>"
	if strings.HasPrefix(s, cdataOpen) && strings.HasSuffix(s, cdataClose) {
		return s[len(cdataOpen) : len(s)-len(cdataClose)]
	}
	return s
}

func normalizeType(raw string) string {
	key := normalizeTypeKey(raw)
	switch key {
	case "websearch":
		return "WebSearch"
	case "searchimage", "searchimages", "imagesearch":
		return "SearchImage"
	case "agentthink", "chatroomsend":
		return "AgentThink"
	}
	if raw == "" {
		return "Unknown"
	}
	return raw
}

func normalizeTypeKey(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

var rolloutKeyNames = map[string]struct{}{
	"rolloutid": {},
	"rollout":   {},
}

// findRolloutID DFS's parsed args (depth<=6) for a rollout-id-shaped key,
// scalars only once past the root object/array.
func findRolloutID(node any, depth int) (string, bool) {
	if depth > 6 {
		return "", false
	}
	switch v := node.(type) {
	case map[string]any:
		for key, val := range v {
			if _, ok := rolloutKeyNames[normalizeTypeKey(key)]; ok {
				if s, ok := scalarToString(val); ok {
					return s, true
				}
			}
		}
		for _, val := range v {
			if id, ok := findRolloutID(val, depth+1); ok {
				return id, ok
			}
		}
	case []any:
		for _, item := range v {
			if id, ok := findRolloutID(item, depth+1); ok {
				return id, true
			}
		}
	}
	return "", false
}

var preferredContentKeys = map[string][]string{
	"WebSearch":   {"query", "queries", "keyword", "keywords", "prompt", "text"},
	"SearchImage": {"query", "prompt", "description", "keywords", "text"},
	"AgentThink":  {"thought", "reason", "reasoning", "content", "text", "summary", "plan"},
}

var defaultContentKeys = []string{"content", "text", "query", "prompt", "message"}

var metadataKeys = map[string]struct{}{
	"rolloutid": {}, "rollout": {}, "type": {}, "tool": {}, "name": {}, "toolname": {},
}

func findContent(node any, cardType string, depth int) string {
	preferred := preferredContentKeys[cardType]
	if preferred == nil {
		preferred = defaultContentKeys
	}
	if s, ok := findByKeys(node, preferred, depth); ok {
		return s
	}
	if s, ok := firstNonMetadataScalar(node, depth); ok {
		return s
	}
	return ""
}

func findByKeys(node any, keys []string, depth int) (string, bool) {
	if depth > 8 {
		return "", false
	}
	switch v := node.(type) {
	case map[string]any:
		for _, wantKey := range keys {
			for key, val := range v {
				if normalizeTypeKey(key) == normalizeTypeKey(wantKey) {
					if s, ok := scalarOrJoin(val); ok {
						return s, true
					}
				}
			}
		}
		for _, val := range v {
			if s, ok := findByKeys(val, keys, depth+1); ok {
				return s, true
			}
		}
	case []any:
		for _, item := range v {
			if s, ok := findByKeys(item, keys, depth+1); ok {
				return s, true
			}
		}
	}
	return "", false
}

func firstNonMetadataScalar(node any, depth int) (string, bool) {
	if depth > 8 {
		return "", false
	}
	switch v := node.(type) {
	case map[string]any:
		for key, val := range v {
			if _, meta := metadataKeys[normalizeTypeKey(key)]; meta {
				continue
			}
			if s, ok := scalarToString(val); ok {
				return s, true
			}
		}
		for _, val := range v {
			if s, ok := firstNonMetadataScalar(val, depth+1); ok {
				return s, true
			}
		}
	case []any:
		for _, item := range v {
			if s, ok := firstNonMetadataScalar(item, depth+1); ok {
				return s, true
			}
		}
	}
	return "", false
}

func scalarToString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return fmt.Sprintf("%g", t), true
	case bool:
		return fmt.Sprintf("%t", t), true
	}
	return "", false
}

// scalarOrJoin returns a displayable string for a value: scalars pass
// through; string arrays are newline-joined (covers "queries"/"keywords").
func scalarOrJoin(v any) (string, bool) {
	if s, ok := scalarToString(v); ok {
		return s, true
	}
	if arr, ok := v.([]any); ok {
		var parts []string
		for _, item := range arr {
			if s, ok := scalarToString(item); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n"), true
		}
	}
	return "", false
}

func normalizeContent(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}

func cardLines(card Card) []string {
	prefix := fmt.Sprintf("[%s][%s]", card.RolloutID, card.Type)
	if card.Content == "" {
		return []string{prefix}
	}
	lines := strings.Split(card.Content, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		out = append(out, prefix+" "+line)
	}
	if len(out) == 0 {
		return []string{prefix}
	}
	return out
}
