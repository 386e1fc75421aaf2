package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/grok-openai-gateway/internal/config"
	"github.com/router-for-me/grok-openai-gateway/internal/grok"
	"github.com/router-for-me/grok-openai-gateway/internal/grok/collect"
	"github.com/router-for-me/grok-openai-gateway/internal/grok/conversation"
	"github.com/router-for-me/grok-openai-gateway/internal/grok/session"
	"github.com/router-for-me/grok-openai-gateway/internal/grok/streamtransform"
)

// newConversationCursor is the upstream path segment Grok accepts in place
// of a real conversation id to start a fresh conversation, per xAI's own
// web client convention; the three thin session operations (component I)
// never mint a conversation id of their own outside of clone.
const newConversationCursor = "new"

// conversationTTL is how long a conversation row stays resolvable by
// history hash before it is eligible for expiry cleanup.
const conversationTTL = 7 * 24 * time.Hour

type chatHandler struct {
	cfg      *config.Config
	store    *conversation.Store
	sessions *session.Client
}

func (h *chatHandler) handle(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errResp("invalid_request_error", "failed to read request body"))
		return
	}

	req := parseChatRequest(raw)
	if req.Model == "" || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, errResp("invalid_request_error", "model and messages are required"))
		return
	}

	settings := settingsFromRequest(raw, h.defaultSettings())
	token := bearerToken(c)
	scope := conversation.Scope(conversation.ScopeInput{APIKey: token, ClientIP: c.ClientIP()})

	now := nowMs()
	priorHash := conversation.HistoryHash(req.Messages, true)
	var rec *conversation.Record
	if priorHash != "" {
		rec, err = h.store.FindByHistoryHash(scope, priorHash, now)
		if err != nil {
			log.WithError(err).Warn("conversation lookup failed, starting a fresh upstream conversation")
		}
	}

	grokConversationID := newConversationCursor
	lastResponseID := ""
	openaiConversationID := uuid.NewString()
	createdAt := now
	if rec != nil {
		grokConversationID = rec.GrokConversationID
		lastResponseID = rec.LastResponseID
		openaiConversationID = rec.OpenAIConversationID
		createdAt = rec.CreatedAt
	}

	payload := map[string]any{
		"message":          req.LastUserText,
		"modelName":        req.Model,
		"parentResponseId": lastResponseID,
	}

	meta := grok.Meta{GrokConversationID: grokConversationID, LastResponseID: lastResponseID}
	if req.Stream {
		h.runStream(c, req, settings, grokConversationID, payload, &meta)
	} else {
		h.runCollect(c, req, settings, grokConversationID, payload, &meta)
	}

	finalHash := conversation.HistoryHash(req.Messages, false)
	if finalHash == "" {
		return
	}
	upsertErr := h.store.Upsert(conversation.Record{
		Scope:                scope,
		OpenAIConversationID: openaiConversationID,
		GrokConversationID:   meta.GrokConversationID,
		LastResponseID:       meta.LastResponseID,
		Token:                token,
		HistoryHash:          finalHash,
		CreatedAt:            createdAt,
		UpdatedAt:            nowMs(),
		ExpiresAt:            nowMs() + conversationTTL.Milliseconds(),
	})
	if upsertErr != nil {
		log.WithError(upsertErr).Error("failed to persist conversation record")
		return
	}
	if keep := h.cfg.StoreRetention.KeepPerToken; keep > 0 {
		if _, err := h.store.TrimForToken(scope, token, keep); err != nil {
			log.WithError(err).Warn("failed to trim conversation records for token")
		}
	}
}

// mergeMeta copies the non-empty fields of m into dst, so a stream that
// never reports a conversation id keeps the cursor it was started with.
func mergeMeta(dst *grok.Meta, m grok.Meta) {
	if m.GrokConversationID != "" {
		dst.GrokConversationID = m.GrokConversationID
	}
	if m.LastResponseID != "" {
		dst.LastResponseID = m.LastResponseID
	}
}

func (h *chatHandler) defaultSettings() grok.Settings {
	d := h.cfg.Defaults
	t := h.cfg.Timeouts
	return grok.Settings{
		ShowThinking:       d.ShowThinking,
		ShowSearch:         d.ShowSearch,
		FilteredTags:       d.FilteredTags,
		VideoPosterPreview: d.VideoPosterPreview,
		FirstTimeoutMs:     t.FirstByteMs,
		ChunkTimeoutMs:     t.InterChunkMs,
		TotalTimeoutMs:     t.TotalMs,
	}
}

func (h *chatHandler) runStream(c *gin.Context, req chatRequest, settings grok.Settings, grokConversationID string, payload any, meta *grok.Meta) {
	body, err := h.sessions.ContinueStream(c.Request.Context(), grokConversationID, payload)
	if err != nil {
		log.WithError(err).Error("upstream continue request failed")
		c.JSON(http.StatusBadGateway, errResp("upstream_error", err.Error()))
		return
	}
	defer body.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, errResp("server_error", "streaming not supported"))
		return
	}

	emitter := streamtransform.EmitterFunc(func(line string) error {
		if _, err := io.WriteString(c.Writer, line); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	streamtransform.Run(c.Request.Context(), body, req.Model, settings, h.assetBaseURL(c), streamtransform.Hooks{
		OnMeta: func(m grok.Meta) { mergeMeta(meta, m) },
	}, emitter)
}

func (h *chatHandler) runCollect(c *gin.Context, req chatRequest, settings grok.Settings, grokConversationID string, payload any, meta *grok.Meta) {
	raw, err := h.sessions.Continue(c.Request.Context(), grokConversationID, payload)
	if err != nil {
		log.WithError(err).Error("upstream continue request failed")
		c.JSON(http.StatusBadGateway, errResp("upstream_error", err.Error()))
		return
	}

	res, err := collect.Run(bytes.NewReader(raw), req.Model, settings, h.assetBaseURL(c), collect.Hooks{
		OnMeta: func(m grok.Meta) { mergeMeta(meta, m) },
	})
	if err != nil {
		var upstream *grok.UpstreamError
		if errors.As(err, &upstream) {
			c.JSON(http.StatusBadGateway, errResp("upstream_error", upstream.Error()))
			return
		}
		log.WithError(err).Error("failed to collect non-stream response")
		c.JSON(http.StatusInternalServerError, errResp("server_error", "failed to process upstream response"))
		return
	}

	c.Header("Content-Type", "application/json")
	_, _ = c.Writer.Write([]byte(res.JSON))
}

// assetBaseURL falls back to the request's own origin when config omits one,
// per spec.md §6.
func (h *chatHandler) assetBaseURL(c *gin.Context) string {
	if h.cfg.AssetBaseURL != "" {
		return h.cfg.AssetBaseURL
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return c.GetHeader("X-Api-Key")
}
