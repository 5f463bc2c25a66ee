package risk

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/puffpass/paycore/internal/ratelimit"
	"github.com/puffpass/paycore/internal/validation"
)

// Handler exposes the risk engine over HTTP.
type Handler struct {
	engine   *Engine
	payments *ratelimit.Budget
}

// NewHandler creates a risk HTTP handler. The payments budget throttles
// submission before any scoring happens; pass nil to disable throttling
// (tests).
func NewHandler(engine *Engine, payments *ratelimit.Budget) *Handler {
	return &Handler{engine: engine, payments: payments}
}

// RegisterRoutes mounts the public check endpoint on api and the
// administrative endpoints on admin.
func (h *Handler) RegisterRoutes(api, admin gin.IRouter) {
	api.POST("/payments/check", h.checkPayment)

	admin.POST("/risk/blocks", h.blockAddress)
	admin.DELETE("/risk/blocks/:address", h.unblockAddress)
	admin.GET("/risk/addresses/:address", h.addressStats)
}

// checkPaymentRequest is the payment submission payload.
type checkPaymentRequest struct {
	Amount    float64 `json:"amount" binding:"required"`
	Currency  string  `json:"currency"`
	From      string  `json:"from" binding:"required"`
	To        string  `json:"to" binding:"required"`
	UserAgent string  `json:"userAgent,omitempty"`
}

func (h *Handler) checkPayment(c *gin.Context) {
	var req checkPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("from", req.From),
		validation.ValidAddress("to", req.To),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	from := validation.SanitizeAddress(req.From)

	if h.payments != nil {
		res := h.payments.Consume(from, 1)
		if !res.Allowed {
			retryAfter := int(time.Until(res.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many payment attempts. Please slow down.",
				"retry_after": retryAfter,
				"reset_at":    res.ResetAt,
			})
			return
		}
	}

	assessment := h.engine.Evaluate(c.Request.Context(), TransactionContext{
		Amount:    req.Amount,
		Currency:  strings.ToUpper(req.Currency),
		From:      from,
		To:        validation.SanitizeAddress(req.To),
		UserAgent: req.UserAgent,
		IPAddress: c.ClientIP(),
		Timestamp: time.Now(),
	})

	if !assessment.Passed {
		// Never expose flags or scores to the submitter: that would tell an
		// abuser exactly which heuristic tripped.
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "transaction_flagged",
			"message": "Transaction flagged. Please contact support.",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"approved": true,
	})
}

type blockRequest struct {
	Address string `json:"address" binding:"required"`
	Reason  string `json:"reason"`
}

func (h *Handler) blockAddress(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidWalletAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}

	reason := validation.SanitizeString(req.Reason, 500)
	if reason == "" {
		reason = "blocked by operator"
	}

	h.engine.BlockAddress(req.Address, reason)
	c.JSON(http.StatusOK, gin.H{"blocked": true, "address": validation.SanitizeAddress(req.Address)})
}

func (h *Handler) unblockAddress(c *gin.Context) {
	addr := c.Param("address")
	if !validation.IsValidWalletAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}

	h.engine.UnblockAddress(addr)
	c.JSON(http.StatusOK, gin.H{"blocked": false, "address": validation.SanitizeAddress(addr)})
}

func (h *Handler) addressStats(c *gin.Context) {
	addr := c.Param("address")
	if !validation.IsValidWalletAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}

	c.JSON(http.StatusOK, h.engine.Stats(addr))
}
