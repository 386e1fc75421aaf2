package conversation

// Record is the persistent ConversationRecord from spec.md §3: primary key
// is (Scope, OpenAIConversationID); all timestamps are epoch milliseconds.
type Record struct {
	Scope                string `json:"scope"`
	OpenAIConversationID string `json:"openai_conversation_id"`
	GrokConversationID   string `json:"grok_conversation_id"`
	LastResponseID       string `json:"last_response_id"`
	ShareLinkID          string `json:"share_link_id"`
	Token                string `json:"token"`
	HistoryHash          string `json:"history_hash"`
	CreatedAt            int64  `json:"created_at"`
	UpdatedAt            int64  `json:"updated_at"`
	ExpiresAt            int64  `json:"expires_at"`
}

func (r Record) expired(nowMs int64) bool {
	return r.ExpiresAt <= nowMs
}
