// Package grok holds the types shared across the stream transformer, the
// non-stream collector, and their HTTP-facing callers.
package grok

import "fmt"

// Meta is the transient, per-stream conversation cursor. Both fields start
// empty and are only ever overwritten with a non-empty value (later frame
// wins monotonically).
type Meta struct {
	GrokConversationID string
	LastResponseID      string
}

// Settings bundles the per-request behavior knobs read from spec.md §4.E.
type Settings struct {
	ShowThinking       bool
	ShowSearch         bool
	FilteredTags       []string
	VideoPosterPreview bool
	FirstTimeoutMs     int64
	ChunkTimeoutMs     int64
	TotalTimeoutMs     int64
}

// FinishResult is reported to the onFinish hook exactly once per stream.
type FinishResult struct {
	Status       int
	DurationSecs float64
	Meta         Meta
}

// UpstreamError distinguishes an upstream-reported protocol error (an
// `error.message` frame, or a `modelResponse.error`) from an internal
// fault, so HTTP callers can map it to a distinct status code.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error: %s", e.Message)
}
