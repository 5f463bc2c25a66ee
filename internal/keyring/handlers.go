package keyring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/puffpass/paycore/internal/validation"
)

// Handler exposes keyring administration over HTTP. All routes belong on the
// admin-guarded router group.
type Handler struct {
	service *Service
}

// NewHandler creates a keyring HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the keyring admin endpoints.
func (h *Handler) RegisterRoutes(admin gin.IRouter) {
	admin.POST("/keys/rotate", h.rotate)
	admin.GET("/keys/status", h.status)
	admin.GET("/keys/audit", h.audit)
}

type rotateRequest struct {
	Operator     string `json:"operator" binding:"required"`
	Reason       string `json:"reason"`
	GraceSeconds int    `json:"graceSeconds"`
}

func (h *Handler) rotate(c *gin.Context) {
	var req rotateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	reason := validation.SanitizeString(req.Reason, 500)
	if reason == "" {
		reason = "scheduled rotation"
	}

	key, err := h.service.Rotate(c.Request.Context(),
		validation.SanitizeString(req.Operator, 255),
		reason,
		time.Duration(req.GraceSeconds)*time.Second,
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rotation_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rotated": true,
		"key":     key, // secret is excluded from serialization
	})
}

func (h *Handler) status(c *gin.Context) {
	status, err := h.service.RotationStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) audit(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.service.Audit(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
