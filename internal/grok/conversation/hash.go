// Package conversation implements the scoped, history-hash-addressable
// conversation store (component G) and the history hasher / scope builder
// (component H) that key it.
package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Message is the minimal shape the hasher needs from a chat message: a
// role, and content that is either a plain string or an array of parts
// (each optionally carrying a "text" field), mirroring the OpenAI request
// body shape this gateway accepts.
type Message struct {
	Role    string
	Text    string
	Parts   []MessagePart
	IsArray bool
}

// MessagePart is one element of an array-shaped message content.
type MessagePart struct {
	Text string
}

// ExtractedText flattens a message's content down to plain text: the text
// field as-is for string content, or the concatenation of every part's text
// for array content.
func (m Message) ExtractedText() string {
	if !m.IsArray {
		return m.Text
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// HistoryHash derives the deterministic continuation key for "same
// conversation so far", per spec.md §4.H.
func HistoryHash(messages []Message, excludeLastUser bool) string {
	var systemParts []string
	var userParts []string
	hasAssistant := false

	for _, m := range messages {
		text := m.ExtractedText()
		switch m.Role {
		case "system":
			if text != "" {
				systemParts = append(systemParts, "system:"+text)
			}
		case "user":
			if text != "" {
				userParts = append(userParts, "user:"+text)
			}
		case "assistant":
			hasAssistant = true
		}
	}

	if excludeLastUser && hasAssistant && len(userParts) > 0 {
		userParts = userParts[:len(userParts)-1]
	}

	parts := append(systemParts, userParts...)
	if len(parts) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// ScopeInput is the identity material used to derive a store scope.
type ScopeInput struct {
	APIKey   string
	ClientIP string
}

// Scope derives the tenant key isolating conversation records: a hashed API
// key when present, else a hashed client IP (falling back to the unspecified
// address when even that is empty).
func Scope(in ScopeInput) string {
	if key := strings.TrimSpace(in.APIKey); key != "" {
		return "k:" + sha256Hex(key)
	}
	ip := in.ClientIP
	if ip == "" {
		ip = "0.0.0.0"
	}
	return "ip:" + sha256Hex(ip)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
