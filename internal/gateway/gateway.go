package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrGatewayUnavailable covers network failures, timeouts and 5xx
// responses from the payment processor. Callers may retry.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

type ChargeStatus string

const (
	ChargeSuccess ChargeStatus = "success"
	ChargeFailed  ChargeStatus = "failed"
	ChargePending ChargeStatus = "pending"
)

// ChargeInit is returned when a charge is opened with the processor.
// Reference is the processor-assigned id the rest of the system keys on.
type ChargeInit struct {
	Reference   string
	RedirectURL string
}

// ChargeVerification is the processor's view of a charge. AmountReceived
// is in major currency units; the adapter owns the minor-unit conversion.
type ChargeVerification struct {
	Status         ChargeStatus
	AmountReceived decimal.Decimal
}

// WebhookEvent is a processor event normalized for the webhook handler.
type WebhookEvent struct {
	Type           string
	Reference      string
	Status         ChargeStatus
	AmountReceived decimal.Decimal
}

// PaymentGateway is the boundary to the external payment processor.
// Amounts cross this boundary in major currency units only; no processor
// types leak past it.
type PaymentGateway interface {
	InitializeCharge(ctx context.Context, amount decimal.Decimal, meta map[string]string) (*ChargeInit, error)
	VerifyCharge(ctx context.Context, reference string) (*ChargeVerification, error)
	VerifyWebhookSignature(rawBody []byte, signatureHeader string) bool
}
