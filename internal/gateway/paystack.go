package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/facilitypay/wallet-service/internal/config"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// Paystack talks to a Paystack-style processor over HTTP. The processor
// speaks minor currency units (subunits); conversion to the ledger's
// major units happens here and nowhere else.
type Paystack struct {
	baseURL  string
	secret   string
	currency string
	client   *http.Client
	log      *zap.SugaredLogger
}

func NewPaystack(cfg config.GatewayConfig, log *zap.SugaredLogger) *Paystack {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Paystack{
		baseURL:  cfg.BaseURL,
		secret:   cfg.SecretKey,
		currency: cfg.Currency,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

type initRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type initResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Reference        string `json:"reference"`
		AuthorizationURL string `json:"authorization_url"`
	} `json:"data"`
}

// InitializeCharge opens a charge with the processor. A timeout here
// returns ErrGatewayUnavailable before anything is persisted locally.
func (p *Paystack) InitializeCharge(ctx context.Context, amount decimal.Decimal, meta map[string]string) (*ChargeInit, error) {
	body, err := json.Marshal(initRequest{
		Amount:   toMinorUnits(amount),
		Currency: p.currency,
		Metadata: meta,
	})
	if err != nil {
		return nil, err
	}
	var resp initResponse
	if err := p.do(ctx, http.MethodPost, "/transaction/initialize", bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}
	if !resp.Status || resp.Data.Reference == "" {
		return nil, fmt.Errorf("%w: initialize rejected: %s", ErrGatewayUnavailable, resp.Message)
	}
	return &ChargeInit{
		Reference:   resp.Data.Reference,
		RedirectURL: resp.Data.AuthorizationURL,
	}, nil
}

type verifyResponse struct {
	Status bool `json:"status"`
	Data   struct {
		Status string `json:"status"`
		Amount int64  `json:"amount"`
	} `json:"data"`
}

// VerifyCharge polls the processor for the charge state. Timeouts surface
// as ErrGatewayUnavailable so callers leave the attempt pending rather
// than guessing an outcome.
func (p *Paystack) VerifyCharge(ctx context.Context, reference string) (*ChargeVerification, error) {
	var resp verifyResponse
	if err := p.do(ctx, http.MethodGet, "/transaction/verify/"+reference, nil, &resp); err != nil {
		return nil, err
	}
	return &ChargeVerification{
		Status:         mapChargeStatus(resp.Data.Status),
		AmountReceived: fromMinorUnits(resp.Data.Amount),
	}, nil
}

// VerifyWebhookSignature checks the HMAC-SHA512 of the raw body against
// the signature header. Constant-time compare; the body must not have
// been parsed or re-serialized before this check.
func (p *Paystack) VerifyWebhookSignature(rawBody []byte, signatureHeader string) bool {
	mac := hmac.New(sha512.New, []byte(p.secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}

type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
	} `json:"data"`
}

// ParseWebhookEvent decodes a verified webhook body into a normalized
// event. Only call after VerifyWebhookSignature has accepted the body.
func (p *Paystack) ParseWebhookEvent(rawBody []byte) (*WebhookEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	return &WebhookEvent{
		Type:           payload.Event,
		Reference:      payload.Data.Reference,
		Status:         mapChargeStatus(payload.Data.Status),
		AmountReceived: fromMinorUnits(payload.Data.Amount),
	}, nil
}

func (p *Paystack) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: processor returned %d", ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway request failed: %d %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func mapChargeStatus(s string) ChargeStatus {
	switch s {
	case "success":
		return ChargeSuccess
	case "failed", "abandoned", "reversed":
		return ChargeFailed
	default:
		return ChargePending
	}
}

func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

func fromMinorUnits(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(hundred)
}
