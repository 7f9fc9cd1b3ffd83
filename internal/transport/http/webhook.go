package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/facilitypay/wallet-service/internal/gateway"
	"github.com/facilitypay/wallet-service/internal/service"
)

// signatureHeader is where the processor puts the HMAC of the raw body.
const signatureHeader = "X-Paystack-Signature"

// WebhookGateway is the slice of the payment adapter the webhook endpoint
// needs: authenticate the raw body, then normalize it.
type WebhookGateway interface {
	VerifyWebhookSignature(rawBody []byte, signatureHeader string) bool
	ParseWebhookEvent(rawBody []byte) (*gateway.WebhookEvent, error)
}

// RegisterWebhook mounts the unauthenticated-but-signed receiver. The
// response code is the retry contract with the gateway: 2xx means "stop
// sending this event", anything else means "send it again". Duplicates,
// unknown event types and foreign references must therefore all ACK.
func RegisterWebhook(r *gin.Engine, topups *service.TopUpService, gw WebhookGateway, log *zap.SugaredLogger) {
	r.POST("/webhooks/payments", webhookHandler(topups, gw, log))
}

func webhookHandler(topups *service.TopUpService, gw WebhookGateway, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// signature is computed over the raw bytes; nothing is parsed
		// before the check passes
		raw, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		if !gw.VerifyWebhookSignature(raw, c.GetHeader(signatureHeader)) {
			log.Warnw("webhook signature rejected", "remote", c.Request.RemoteAddr)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		evt, err := gw.ParseWebhookEvent(raw)
		if err != nil {
			log.Warnw("webhook payload unparseable", "err", err)
			c.Status(http.StatusOK)
			return
		}

		switch evt.Type {
		case "charge.success":
			if evt.Status != gateway.ChargeSuccess {
				// processor sent a success event for a non-success charge;
				// leave the attempt pending for verification
				c.Status(http.StatusOK)
				return
			}
			if _, err := topups.FinalizeSuccess(c, evt.Reference, evt.AmountReceived); err != nil {
				if errors.Is(err, service.ErrTopUpNotFound) {
					// possibly a test or foreign event, nothing to do
					log.Infow("webhook for unknown reference", "reference", evt.Reference)
					c.Status(http.StatusOK)
					return
				}
				log.Errorw("webhook finalize failed", "reference", evt.Reference, "err", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			c.Status(http.StatusOK)
		case "charge.failed":
			if _, err := topups.FinalizeFailure(c, evt.Reference, "gateway reported failure"); err != nil {
				if errors.Is(err, service.ErrTopUpNotFound) {
					c.Status(http.StatusOK)
					return
				}
				log.Errorw("webhook finalize failed", "reference", evt.Reference, "err", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
				return
			}
			c.Status(http.StatusOK)
		default:
			// unknown event types must not trigger gateway retries
			c.Status(http.StatusOK)
		}
	}
}
