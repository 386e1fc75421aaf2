package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// grokModels is the static model list this gateway advertises. Grok exposes
// no model-discovery endpoint of its own, so this mirrors the small fixed
// set the upstream conversational UI offers.
var grokModels = []string{"grok-4", "grok-4-fast", "grok-3"}

// listModels handles GET /v1/models with an OpenAI-shaped model list.
func listModels(c *gin.Context) {
	data := make([]gin.H, 0, len(grokModels))
	for _, id := range grokModels {
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"owned_by": "grok-openai-gateway",
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   data,
	})
}
