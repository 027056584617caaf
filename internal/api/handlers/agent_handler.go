package handlers

import (
	"net/http"
	"strconv"

	"example.com/retailstack/pos-agent/internal/agent"
	"example.com/retailstack/pos-agent/internal/metrics"
	"example.com/retailstack/pos-agent/internal/models"
	"example.com/retailstack/pos-agent/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const defaultListLimit = 50

// AgentHandler handles control API requests.
type AgentHandler struct {
	agent   *agent.Agent
	store   *store.Store
	metrics *metrics.Metrics
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(a *agent.Agent, st *store.Store, m *metrics.Metrics) *AgentHandler {
	return &AgentHandler{agent: a, store: st, metrics: m}
}

// RegisterRoutes registers the control routes.
func (h *AgentHandler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", h.GetStatus)
		v1.GET("/metrics", h.GetMetrics)
		v1.GET("/transactions/unsynced", h.ListUnsynced)
		v1.GET("/gaps", h.ListGaps)
		v1.POST("/gaps/:id/resolve", h.ResolveGap)
		v1.POST("/inject", h.InjectTransaction)
		v1.POST("/rebind", h.Rebind)
		v1.POST("/replay", h.ForceReplay)
	}
}

// GetStatus returns the agent's operational summary.
func (h *AgentHandler) GetStatus(c *gin.Context) {
	status, err := h.agent.Status(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to build status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetMetrics returns the in-process metric snapshot.
func (h *AgentHandler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.GetSnapshot())
}

// ListUnsynced returns the newest transactions still awaiting delivery.
func (h *AgentHandler) ListUnsynced(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	txs, err := h.store.RecentUnsynced(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list unsynced transactions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// ListGaps returns unresolved sequence gaps.
func (h *AgentHandler) ListGaps(c *gin.Context) {
	gaps, err := h.store.OpenGaps(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list gaps")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"gaps": gaps, "count": len(gaps)})
}

// ResolveGapRequest carries the operator's note.
type ResolveGapRequest struct {
	Note string `json:"note" binding:"required"`
}

// ResolveGap marks a gap as reviewed by the operator.
func (h *AgentHandler) ResolveGap(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid gap id"})
		return
	}

	var req ResolveGapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.ResolveGap(c.Request.Context(), uint(id), req.Note); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	log.Info().Uint64("gap_id", id).Msg("Gap resolved by operator")
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

// InjectRequest is a manually crafted transaction for pipeline verification.
type InjectRequest struct {
	ReceiptID string            `json:"receipt_id"`
	Items     []models.LineItem `json:"items"`
	Subtotal  float64           `json:"subtotal"`
	Tax       float64           `json:"tax"`
	Total     float64           `json:"total" binding:"required"`
}

// InjectTransaction stores a test transaction, bypassing the decoder.
func (h *AgentHandler) InjectTransaction(c *gin.Context) {
	var req InjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	stored, err := h.agent.Inject(c.Request.Context(), models.Transaction{
		ReceiptID: req.ReceiptID,
		Items:     req.Items,
		Subtotal:  req.Subtotal,
		Tax:       req.Tax,
		Total:     req.Total,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to inject transaction")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, stored)
}

// RebindRequest names the new listen address.
type RebindRequest struct {
	Address string `json:"address" binding:"required"`
}

// Rebind moves the TCP listener to a new address.
func (h *AgentHandler) Rebind(c *gin.Context) {
	var req RebindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.agent.Rebind(req.Address); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": h.agent.ListenAddr()})
}

// ForceReplay redelivers the entire pending queue now.
func (h *AgentHandler) ForceReplay(c *gin.Context) {
	delivered, err := h.agent.ForceReplay(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("Forced replay failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}
