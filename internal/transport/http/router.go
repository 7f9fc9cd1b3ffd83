package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/facilitypay/wallet-service/internal/config"
	"github.com/facilitypay/wallet-service/internal/service"
)

func NewRouter(wallets *service.WalletService, topups *service.TopUpService, gw WebhookGateway, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, wallets, topups, log)
	RegisterWebhook(r, topups, gw, log)
	return r
}
