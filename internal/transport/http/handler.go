package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/facilitypay/wallet-service/internal/gateway"
	"github.com/facilitypay/wallet-service/internal/model"
	"github.com/facilitypay/wallet-service/internal/repo"
	"github.com/facilitypay/wallet-service/internal/service"
)

func RegisterHandlers(r *gin.Engine, wallets *service.WalletService, topups *service.TopUpService, log *zap.SugaredLogger) {
	v1 := r.Group("/v1", TenantMiddleware())
	{
		v1.GET("/wallet/balance", balanceHandler(wallets))
		v1.GET("/wallet/transactions", transactionsHandler(wallets))
		v1.POST("/topups", initializeTopUpHandler(topups, log))
		v1.POST("/topups/verify", verifyTopUpHandler(topups, log))
		v1.GET("/topups", listTopUpsHandler(topups))
		v1.POST("/topups/:id/cancel", cancelTopUpHandler(topups, log))
		v1.POST("/topups/:id/retry", retryTopUpHandler(topups, log))
	}
}

// writeServiceError maps domain errors onto HTTP responses. Insufficient
// balance reports the shortfall so the client can prompt a top-up of at
// least that amount.
func writeServiceError(c *gin.Context, log *zap.SugaredLogger, err error) {
	var insufficient *service.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient balance",
			"balance":   insufficient.Balance,
			"required":  insufficient.Required,
			"shortfall": insufficient.Shortfall(),
		})
	case errors.Is(err, service.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
	case errors.Is(err, service.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "top-up is no longer pending"})
	case errors.Is(err, service.ErrWalletNotFound):
		log.Errorw("wallet missing", "path", c.Request.URL.Path)
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
	case errors.Is(err, service.ErrTopUpNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "top-up not found"})
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway unavailable, try again"})
	default:
		log.Errorw("request failed", "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func balanceHandler(wallets *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		bal, err := wallets.GetBalance(c, tenantID(c))
		if err != nil {
			if errors.Is(err, service.ErrWalletNotFound) {
				// a tenant that never topped up simply has nothing yet
				c.JSON(http.StatusOK, gin.H{"balance": decimal.Zero})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal})
	}
}

func transactionsHandler(wallets *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := repo.TxFilter{Kind: model.TxKind(c.Query("kind"))}
		f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
		f.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
		if from := c.Query("from"); from != "" {
			t, err := time.Parse(time.RFC3339, from)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
				return
			}
			f.From = t
		}
		if to := c.Query("to"); to != "" {
			t, err := time.Parse(time.RFC3339, to)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
				return
			}
			f.To = t
		}
		txs, total, err := wallets.ListTransactions(c, tenantID(c), f)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"transactions": txs, "total": total})
	}
}

type initializeTopUpReq struct {
	Amount string `json:"amount" binding:"required"`
}

func initializeTopUpHandler(topups *service.TopUpService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req initializeTopUpReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		top, redirectURL, err := topups.Initialize(c, tenantID(c), amt)
		if err != nil {
			writeServiceError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"topup": top, "redirect_url": redirectURL})
	}
}

type verifyTopUpReq struct {
	Reference string `json:"reference" binding:"required"`
}

func verifyTopUpHandler(topups *service.TopUpService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req verifyTopUpReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		top, err := topups.Verify(c, tenantID(c), req.Reference)
		if err != nil {
			writeServiceError(c, log, err)
			return
		}
		// status lets the client tell a slow payment from a failed one
		c.JSON(http.StatusOK, gin.H{"topup": top, "status": top.Status})
	}
}

func listTopUpsHandler(topups *service.TopUpService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		tops, total, err := topups.ListTopUps(c, tenantID(c), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"topups": tops, "total": total})
	}
}

func cancelTopUpHandler(topups *service.TopUpService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid top-up id"})
			return
		}
		top, err := topups.Cancel(c, tenantID(c), id)
		if err != nil {
			writeServiceError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"topup": top})
	}
}

func retryTopUpHandler(topups *service.TopUpService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid top-up id"})
			return
		}
		top, redirectURL, err := topups.Retry(c, tenantID(c), id)
		if err != nil {
			writeServiceError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"topup": top, "redirect_url": redirectURL})
	}
}
