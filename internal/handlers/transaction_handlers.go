package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/eventlog"
	"github.com/payrail/payrail-api/internal/logger"
	"github.com/payrail/payrail-api/internal/nonce"
	"github.com/payrail/payrail-api/internal/services"
	"github.com/payrail/payrail-api/internal/signature"
	"github.com/payrail/payrail-api/internal/types"
)

// TransactionHandler exposes the payment lifecycle over HTTP.
type TransactionHandler struct {
	estimates    *services.EstimateService
	transactions *services.TransactionService
}

// NewTransactionHandler creates the handler.
func NewTransactionHandler(estimates *services.EstimateService, transactions *services.TransactionService) *TransactionHandler {
	return &TransactionHandler{estimates: estimates, transactions: transactions}
}

// Estimate handles POST /transactions/estimate.
func (h *TransactionHandler) Estimate(c *gin.Context) {
	var req types.EstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	resp, err := h.estimates.Estimate(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(statusFromFlags(resp.Status), resp)
}

// Initiate handles POST /transactions.
func (h *TransactionHandler) Initiate(c *gin.Context) {
	var req types.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.UserID = c.GetString(ContextUserID)
	req.BearerToken = c.GetString(ContextBearerToken)

	pair, err := h.transactions.Initiate(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrValidationFailed):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		case errors.Is(err, nonce.ErrDesync):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unable to process payments for this wallet"})
		case errors.Is(err, services.ErrRateUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "exchange rate unavailable"})
		default:
			logger.Log.Error("initiate failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to initiate transaction"})
		}
		return
	}

	c.JSON(http.StatusCreated, pair)
}

// Commit handles POST /transactions/:id/commit.
func (h *TransactionHandler) Commit(c *gin.Context) {
	var req types.CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.TransactionID = c.Param("id")
	req.UserID = c.GetString(ContextUserID)

	view, err := h.transactions.Commit(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, signature.ErrSignatureMismatch):
			c.JSON(http.StatusBadRequest, gin.H{"error": "signed payload does not match issued transaction"})
		case errors.Is(err, services.ErrWrongState):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrForbidden):
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		case errors.Is(err, eventlog.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		default:
			logger.Log.Error("commit failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to commit transaction"})
		}
		return
	}

	c.JSON(http.StatusOK, view)
}

// Cancel handles POST /transactions/:id/cancel.
func (h *TransactionHandler) Cancel(c *gin.Context) {
	view, err := h.transactions.Cancel(c.Request.Context(), c.Param("id"), c.GetString(ContextUserID))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotCancellable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrForbidden), errors.Is(err, eventlog.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		default:
			logger.Log.Error("cancel failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel transaction"})
		}
		return
	}

	c.JSON(http.StatusOK, view)
}

// Status handles GET /transactions/:id.
func (h *TransactionHandler) Status(c *gin.Context) {
	view, err := h.transactions.Status(c.Request.Context(), c.Param("id"), c.GetString(ContextUserID))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrForbidden), errors.Is(err, eventlog.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		default:
			logger.Log.Error("status lookup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transaction"})
		}
		return
	}

	c.JSON(http.StatusOK, view)
}

// History handles GET /transactions.
func (h *TransactionHandler) History(c *gin.Context) {
	views, err := h.transactions.History(c.Request.Context(), c.GetString(ContextUserID), 50)
	if err != nil {
		logger.Log.Error("history lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transactions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": views})
}

// Health handles GET /health.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusFromFlags maps estimate flags to an HTTP status: fatal
// internal conditions 500, rate limiting 429, wallet problems 400,
// everything else 200 with the flags in the body.
func statusFromFlags(flags types.EstimateFlags) int {
	switch {
	case flags.Contains(types.FlagInternalError),
		flags.Contains(types.FlagExchangeRateUnavailable):
		return http.StatusInternalServerError
	case flags.Contains(types.FlagRateLimited):
		return http.StatusTooManyRequests
	case flags.Contains(types.FlagWalletNotFound):
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}
