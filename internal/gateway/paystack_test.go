package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facilitypay/wallet-service/internal/config"
	"github.com/facilitypay/wallet-service/internal/logger"
)

func newTestPaystack(t *testing.T, handler http.Handler) *Paystack {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	log, err := logger.NewLogger()
	require.NoError(t, err)
	return NewPaystack(config.GatewayConfig{
		BaseURL:        srv.URL,
		SecretKey:      "sk_test_secret",
		Currency:       "USD",
		TimeoutSeconds: 2,
	}, log)
}

func TestPaystack_InitializeCharge(t *testing.T) {
	var gotBody initRequest
	p := newTestPaystack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": true,
			"data": map[string]string{
				"reference":         "ref_abc123",
				"authorization_url": "https://pay.example/ref_abc123",
			},
		})
	}))

	init, err := p.InitializeCharge(context.Background(), decimal.NewFromFloat(50.00), map[string]string{"tenant_id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, "ref_abc123", init.Reference)
	assert.Equal(t, "https://pay.example/ref_abc123", init.RedirectURL)

	// the processor is spoken to in minor units
	assert.EqualValues(t, 5000, gotBody.Amount)
	assert.Equal(t, "USD", gotBody.Currency)
	assert.Equal(t, "t1", gotBody.Metadata["tenant_id"])
}

func TestPaystack_InitializeChargeServerError(t *testing.T) {
	p := newTestPaystack(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := p.InitializeCharge(context.Background(), decimal.NewFromInt(10), nil)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestPaystack_InitializeChargeMissingReference(t *testing.T) {
	p := newTestPaystack(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"status": false, "message": "invalid key"})
	}))

	_, err := p.InitializeCharge(context.Background(), decimal.NewFromInt(10), nil)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestPaystack_VerifyChargeStatusMapping(t *testing.T) {
	cases := []struct {
		gatewayStatus string
		want          ChargeStatus
	}{
		{"success", ChargeSuccess},
		{"failed", ChargeFailed},
		{"abandoned", ChargeFailed},
		{"pending", ChargePending},
		{"ongoing", ChargePending},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.gatewayStatus, func(t *testing.T) {
			p := newTestPaystack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/transaction/verify/ref_1", r.URL.Path)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"status": true,
					"data":   map[string]interface{}{"status": tc.gatewayStatus, "amount": 5000},
				})
			}))
			v, err := p.VerifyCharge(context.Background(), "ref_1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, v.Status)
			assert.Equal(t, "50", v.AmountReceived.String())
		})
	}
}

func TestPaystack_WebhookSignature(t *testing.T) {
	p := newTestPaystack(t, http.NewServeMux())
	body := []byte(`{"event":"charge.success","data":{"reference":"r1","status":"success","amount":5000}}`)

	mac := hmac.New(sha512.New, []byte("sk_test_secret"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, p.VerifyWebhookSignature(body, sig))
	assert.False(t, p.VerifyWebhookSignature(append(body, ' '), sig), "tampered body must fail")
	assert.False(t, p.VerifyWebhookSignature(body, "deadbeef"))
	assert.False(t, p.VerifyWebhookSignature(body, ""))
}

func TestPaystack_ParseWebhookEvent(t *testing.T) {
	p := newTestPaystack(t, http.NewServeMux())

	evt, err := p.ParseWebhookEvent([]byte(`{"event":"charge.success","data":{"reference":"r1","status":"success","amount":5000}}`))
	require.NoError(t, err)
	assert.Equal(t, "charge.success", evt.Type)
	assert.Equal(t, "r1", evt.Reference)
	assert.Equal(t, ChargeSuccess, evt.Status)
	assert.Equal(t, "50", evt.AmountReceived.String())

	_, err = p.ParseWebhookEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestUnitConversionRoundTrip(t *testing.T) {
	amount := decimal.RequireFromString("12.34")
	assert.EqualValues(t, 1234, toMinorUnits(amount))
	assert.True(t, amount.Equal(fromMinorUnits(1234)))
}
