package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// handleStats handles GET /v0/management/stats, wrapping the conversation
// store's stats() operation (component G).
func (s *Server) handleStats(c *gin.Context) {
	st, err := s.store.Stats(10, nowMs())
	if err != nil {
		log.WithError(err).Error("failed to compute conversation store stats")
		c.JSON(http.StatusInternalServerError, errResp("internal_error", "failed to compute stats"))
		return
	}

	topTokens := make([]gin.H, 0, len(st.TopTokens))
	for _, tc := range st.TopTokens {
		topTokens = append(topTokens, gin.H{"token_suffix": tc.TokenSuffix, "count": tc.Count})
	}
	c.JSON(http.StatusOK, gin.H{
		"active_total":  st.ActiveTotal,
		"expired_total": st.ExpiredTotal,
		"top_tokens":    topTokens,
	})
}

// handleCleanup handles POST /v0/management/cleanup, triggering an on-demand
// oldest-first expiry sweep instead of waiting for the background janitor.
func (s *Server) handleCleanup(c *gin.Context) {
	limit := s.cfg.StoreRetention.CleanupBatchLimit
	if limit <= 0 {
		limit = 200
	}
	deleted, err := s.store.CleanupExpired(limit, nowMs())
	if err != nil {
		log.WithError(err).Error("failed to clean up expired conversations")
		c.JSON(http.StatusInternalServerError, errResp("internal_error", "failed to clean up expired conversations"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
