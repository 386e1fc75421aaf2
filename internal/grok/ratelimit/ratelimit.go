// Package ratelimit tolerantly mines an arbitrarily-shaped upstream JSON
// payload for per-model remaining/reset values. Upstream rate-limit
// surfaces vary per model and are not part of any published schema, so
// extraction is scored rather than path-exact, using gjson to walk the
// payload the way the rest of this gateway treats schemaless JSON.
package ratelimit

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Result is the outcome of a normalisation pass.
type Result struct {
	Known    bool
	Remaining *float64
	ResetAt   *int64 // epoch milliseconds
}

var baseRemainingKeys = []string{
	"remainingtokens", "remaining", "quota", "left", "available", "balance",
}

var baseResetKeys = []string{
	"resetat", "retryafter", "timeuntilreset", "cooldownuntil",
}

var hintKeys = []string{"model", "name", "bucket"}

const maxDepth = 8

// Normalize builds a remaining/reset result for modelName by scoring
// candidates found anywhere in payload.
func Normalize(modelName string, rateLimitAlias string, payload []byte) Result {
	s := buildStrategy(modelName, rateLimitAlias)
	root := gjson.ParseBytes(payload)

	remCand := walk(root, s, "remaining", 0, 0, map[uintptr]struct{}{})
	resCand := walk(root, s, "reset", 0, 0, map[uintptr]struct{}{})

	res := Result{}
	if remCand != nil {
		v := remCand.value
		res.Remaining = &v
	}
	if resCand != nil {
		v := int64(resCand.value)
		res.ResetAt = &v
	}
	res.Known = res.Remaining != nil || res.ResetAt != nil
	return res
}

type strategy struct {
	aliases        []string
	tokens         []string
	remainingKeys  []string
	resetKeys      []string
}

func buildStrategy(modelName, rateLimitAlias string) strategy {
	aliases := dedupe([]string{normalizeKey(modelName), normalizeKey(rateLimitAlias)})
	tokenSet := map[string]struct{}{}
	for _, alias := range aliases {
		for _, tok := range alphaTokens(alias) {
			tokenSet[tok] = struct{}{}
		}
	}
	tokens := make([]string, 0, len(tokenSet))
	for tok := range tokenSet {
		tokens = append(tokens, tok)
	}

	return strategy{
		aliases:       aliases,
		tokens:        tokens,
		remainingKeys: buildPriority(tokens, baseRemainingKeys),
		resetKeys:     buildPriority(tokens, baseResetKeys),
	}
}

func buildPriority(tokens []string, base []string) []string {
	out := make([]string, 0, len(tokens)*len(base)*2+len(base))
	for _, tok := range tokens {
		for _, b := range base {
			out = append(out, tok+b)
		}
	}
	for _, tok := range tokens {
		for _, b := range base {
			out = append(out, b+tok)
		}
	}
	out = append(out, base...)
	return dedupe(out)
}

func normalizeKey(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func alphaTokens(s string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() >= 2 {
			out = append(out, cur.String())
		}
		cur.Reset()
	}
	for _, r := range s {
		if r >= 'a' && r <= 'z' {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

type candidate struct {
	value float64
	score int
}

// walk performs the bounded, cycle-guarded DFS described in spec.md §4.C.
func walk(node gjson.Result, s strategy, field string, depth int, inheritedScore int, visited map[uintptr]struct{}) *candidate {
	if depth > maxDepth {
		return nil
	}
	var best *candidate

	consider := func(c *candidate) {
		if c == nil {
			return
		}
		if best == nil || c.score > best.score {
			best = c
		}
	}

	priority := s.remainingKeys
	if field == "reset" {
		priority = s.resetKeys
	}

	if node.IsObject() {
		hasHint := false
		for _, hk := range hintKeys {
			if node.Get(hk).Exists() {
				hasHint = true
				break
			}
		}
		node.ForEach(func(key, value gjson.Result) bool {
			keyScore := scoreKey(key.String(), s, priority)
			if keyScore <= 0 {
				if value.IsObject() || value.IsArray() {
					consider(walk(value, s, field, depth+1, inheritedScore, visited))
				}
				return true
			}
			score := inheritedScore + keyScore
			if hasHint {
				score *= 2
			}
			if value.IsObject() || value.IsArray() {
				consider(walk(value, s, field, depth+1, score*4-depth, visited))
				return true
			}
			consider(extractScalar(value, field, score, key.String()))
			return true
		})
		return best
	}

	if node.IsArray() {
		for _, item := range node.Array() {
			consider(walk(item, s, field, depth+1, inheritedScore, visited))
		}
		return best
	}

	return nil
}

func scoreKey(key string, s strategy, priority []string) int {
	norm := normalizeKey(key)
	if norm == "" {
		return 0
	}
	for rank, p := range priority {
		if norm == p {
			return 120 - rank
		}
	}
	for rank, p := range priority {
		if strings.Contains(norm, p) {
			return 70 - rank
		}
	}
	for _, tok := range s.tokens {
		if norm == tok {
			return 45
		}
	}
	for _, tok := range s.tokens {
		if strings.Contains(norm, tok) {
			return 25
		}
	}
	return 0
}

func extractScalar(value gjson.Result, field string, score int, keyHint string) *candidate {
	if field == "remaining" {
		if value.Type == gjson.Number || value.Type == gjson.String {
			if n, ok := numeric(value); ok {
				return &candidate{value: n, score: score}
			}
		}
		return nil
	}
	// field == "reset"
	if value.Type == gjson.String {
		if t, err := time.Parse(time.RFC3339, value.String()); err == nil {
			return &candidate{value: float64(t.UnixMilli()), score: score}
		}
		if n, ok := numeric(value); ok {
			return &candidate{value: resolveResetNumber(n, keyHint), score: score}
		}
		return nil
	}
	if value.Type == gjson.Number {
		return &candidate{value: resolveResetNumber(value.Float(), keyHint), score: score}
	}
	return nil
}

func numeric(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Float(), true
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// resolveResetNumber interprets a raw numeric reset value per spec.md §4.C:
// retryafter/untilreset/seconds hints -> seconds-from-now (unless already
// > 1e9), ms-suffixed keys -> ms-from-now, >= 1e12 already ms,
// >= 1e9 seconds-since-epoch, else seconds-from-now.
func resolveResetNumber(n float64, keyHint string) float64 {
	now := float64(time.Now().UnixMilli())
	hint := strings.ToLower(keyHint)
	if strings.Contains(hint, "retryafter") || strings.Contains(hint, "untilreset") || strings.Contains(hint, "seconds") {
		if n > 1e9 {
			return n
		}
		return now + n*1000
	}
	if strings.HasSuffix(hint, "millis") || strings.HasSuffix(hint, "ms") {
		return now + n
	}
	if n >= 1e12 {
		return n
	}
	if n >= 1e9 {
		return n * 1000
	}
	return now + n*1000
}
