package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facilitypay/wallet-service/internal/config"
	"github.com/facilitypay/wallet-service/internal/gateway"
	"github.com/facilitypay/wallet-service/internal/model"
	"github.com/facilitypay/wallet-service/internal/repo"
)

// fakeGateway hands out sequential references and lets tests script
// verification results.
type fakeGateway struct {
	refSeq   uint64
	initErr  error
	verifyFn func(reference string) (*gateway.ChargeVerification, error)
}

func (f *fakeGateway) InitializeCharge(_ context.Context, _ decimal.Decimal, _ map[string]string) (*gateway.ChargeInit, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	n := atomic.AddUint64(&f.refSeq, 1)
	return &gateway.ChargeInit{
		Reference:   fmt.Sprintf("ref-%d", n),
		RedirectURL: fmt.Sprintf("https://pay.example/checkout/ref-%d", n),
	}, nil
}

func (f *fakeGateway) VerifyCharge(_ context.Context, reference string) (*gateway.ChargeVerification, error) {
	if f.verifyFn != nil {
		return f.verifyFn(reference)
	}
	return &gateway.ChargeVerification{Status: gateway.ChargePending}, nil
}

func (f *fakeGateway) VerifyWebhookSignature(_ []byte, _ string) bool { return true }

func newTestTopUpService(t *testing.T) (*TopUpService, *WalletService, *fakeGateway, context.Context) {
	wallets, ctx := newTestWalletService(t)
	gw := &fakeGateway{}
	cfg := config.GatewayConfig{Currency: "USD", MinTopUp: "5.00"}
	return NewTopUpService(wallets.Repo(), wallets, gw, cfg, wallets.log), wallets, gw, ctx
}

func TestTopUpService_InitializeBelowMinimum(t *testing.T) {
	topups, _, _, ctx := newTestTopUpService(t)

	_, _, err := topups.Initialize(ctx, uuid.New(), decimal.NewFromFloat(4.99))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTopUpService_InitializeFailsClosedOnGatewayError(t *testing.T) {
	topups, _, gw, ctx := newTestTopUpService(t)
	tenant := uuid.New()
	gw.initErr = gateway.ErrGatewayUnavailable

	_, _, err := topups.Initialize(ctx, tenant, decimal.NewFromInt(50))
	require.ErrorIs(t, err, gateway.ErrGatewayUnavailable)

	// no half-created pending attempt without a reference
	tops, total, err := topups.ListTopUps(ctx, tenant, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, tops)
}

func TestTopUpService_FinalizeSuccessCreditsOnce(t *testing.T) {
	topups, wallets, _, ctx := newTestTopUpService(t)
	tenant := uuid.New()

	top, redirectURL, err := topups.Initialize(ctx, tenant, decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.Equal(t, model.TopUpPending, top.Status)
	assert.NotEmpty(t, redirectURL)

	verified, err := topups.FinalizeSuccess(ctx, top.Reference, decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.Equal(t, model.TopUpVerified, verified.Status)
	require.NotNil(t, verified.AmountReceived)
	assert.Equal(t, "50", verified.AmountReceived.String())
	require.NotNil(t, verified.VerifiedAt)

	bal, err := wallets.GetBalance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, "50", bal.String())

	// duplicate delivery is a safe no-op
	again, err := topups.FinalizeSuccess(ctx, top.Reference, decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.Equal(t, model.TopUpVerified, again.Status)

	bal, err = wallets.GetBalance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, "50", bal.String())

	txs, total, err := wallets.ListTransactions(ctx, tenant, repo.TxFilter{Kind: model.KindTopUp})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, txs, 1)
	require.NotNil(t, txs[0].ReferenceID)
	assert.Equal(t, top.ID.String(), *txs[0].ReferenceID)
}

func TestTopUpService_FinalizeUnknownReference(t *testing.T) {
	topups, _, _, ctx := newTestTopUpService(t)

	_, err := topups.FinalizeSuccess(ctx, "no-such-ref", decimal.NewFromInt(10))
	assert.ErrorIs(t, err, ErrTopUpNotFound)
}

func TestTopUpService_TerminalStatesStayTerminal(t *testing.T) {
	topups, wallets, _, ctx := newTestTopUpService(t)
	tenant := uuid.New()

	top, _, err := topups.Initialize(ctx, tenant, decimal.NewFromInt(20))
	require.NoError(t, err)

	failed, err := topups.FinalizeFailure(ctx, top.Reference, "card declined")
	require.NoError(t, err)
	assert.Equal(t, model.TopUpFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)

	// a late success signal must not resurrect a failed attempt
	still, err := topups.FinalizeSuccess(ctx, top.Reference, decimal.NewFromInt(20))
	require.NoError(t, err)
	assert.Equal(t, model.TopUpFailed, still.Status)

	_, err = wallets.GetBalance(ctx, tenant)
	assert.ErrorIs(t, err, ErrWalletNotFound, "no credit may exist for a failed top-up")
}

func TestTopUpService_CancelOnlyWhilePending(t *testing.T) {
	topups, _, _, ctx := newTestTopUpService(t)
	tenant := uuid.New()

	top, _, err := topups.Initialize(ctx, tenant, decimal.NewFromInt(20))
	require.NoError(t, err)

	cancelled, err := topups.Cancel(ctx, tenant, top.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TopUpCancelled, cancelled.Status)

	_, err = topups.Cancel(ctx, tenant, top.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	verifiedTop, _, err := topups.Initialize(ctx, tenant, decimal.NewFromInt(30))
	require.NoError(t, err)
	_, err = topups.FinalizeSuccess(ctx, verifiedTop.Reference, decimal.NewFromInt(30))
	require.NoError(t, err)
	_, err = topups.Cancel(ctx, tenant, verifiedTop.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestTopUpService_CancelForeignTenant(t *testing.T) {
	topups, _, _, ctx := newTestTopUpService(t)

	top, _, err := topups.Initialize(ctx, uuid.New(), decimal.NewFromInt(20))
	require.NoError(t, err)

	_, err = topups.Cancel(ctx, uuid.New(), top.ID)
	assert.ErrorIs(t, err, ErrTopUpNotFound)
}

func TestTopUpService_RetryIssuesFreshReference(t *testing.T) {
	topups, _, _, ctx := newTestTopUpService(t)
	tenant := uuid.New()

	top, _, err := topups.Initialize(ctx, tenant, decimal.NewFromInt(25))
	require.NoError(t, err)
	_, err = topups.FinalizeFailure(ctx, top.Reference, "declined")
	require.NoError(t, err)

	fresh, _, err := topups.Retry(ctx, tenant, top.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TopUpPending, fresh.Status)
	assert.NotEqual(t, top.ID, fresh.ID)
	assert.NotEqual(t, top.Reference, fresh.Reference)
	assert.True(t, fresh.AmountRequested.Equal(top.AmountRequested))

	// retry only applies to terminal failed/cancelled attempts
	_, _, err = topups.Retry(ctx, tenant, fresh.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestTopUpService_VerifyPollsGateway(t *testing.T) {
	topups, wallets, gw, ctx := newTestTopUpService(t)
	tenant := uuid.New()

	top, _, err := topups.Initialize(ctx, tenant, decimal.NewFromInt(50))
	require.NoError(t, err)

	// still pending at the gateway: no state change, never guess success
	gw.verifyFn = func(string) (*gateway.ChargeVerification, error) {
		return &gateway.ChargeVerification{Status: gateway.ChargePending}, nil
	}
	got, err := topups.Verify(ctx, tenant, top.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.TopUpPending, got.Status)

	// gateway timeout leaves the attempt pending for a later retry
	gw.verifyFn = func(string) (*gateway.ChargeVerification, error) {
		return nil, gateway.ErrGatewayUnavailable
	}
	_, err = topups.Verify(ctx, tenant, top.Reference)
	require.ErrorIs(t, err, gateway.ErrGatewayUnavailable)
	tops, _, err := topups.ListTopUps(ctx, tenant, 10, 0)
	require.NoError(t, err)
	require.Len(t, tops, 1)
	assert.Equal(t, model.TopUpPending, tops[0].Status)

	// gateway reports success: finalize and credit
	gw.verifyFn = func(string) (*gateway.ChargeVerification, error) {
		return &gateway.ChargeVerification{Status: gateway.ChargeSuccess, AmountReceived: decimal.NewFromInt(50)}, nil
	}
	got, err = topups.Verify(ctx, tenant, top.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.TopUpVerified, got.Status)
	bal, err := wallets.GetBalance(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, "50", bal.String())

	// verifying an already terminal attempt returns it without polling
	gw.verifyFn = func(string) (*gateway.ChargeVerification, error) {
		return nil, errors.New("gateway must not be polled for terminal attempts")
	}
	got, err = topups.Verify(ctx, tenant, top.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.TopUpVerified, got.Status)
}

// Mirrors the end-to-end scenario: top-up, webhook credit, paid
// deduction, duplicate webhook, oversized deduction.
func TestTopUpService_FullScenario(t *testing.T) {
	topups, wallets, _, ctx := newTestTopUpService(t)
	tenant := uuid.New()

	top, _, err := topups.Initialize(ctx, tenant, decimal.NewFromFloat(50.00))
	require.NoError(t, err)

	_, err = topups.FinalizeSuccess(ctx, top.Reference, decimal.NewFromFloat(50.00))
	require.NoError(t, err)
	bal, _ := wallets.GetBalance(ctx, tenant)
	assert.Equal(t, "50", bal.String())

	_, err = wallets.Deduct(ctx, tenant, decimal.NewFromFloat(10.00), "ecg analysis", "report-1", nil)
	require.NoError(t, err)
	bal, _ = wallets.GetBalance(ctx, tenant)
	assert.Equal(t, "40", bal.String())

	// duplicate webhook delivery
	_, err = topups.FinalizeSuccess(ctx, top.Reference, decimal.NewFromFloat(50.00))
	require.NoError(t, err)
	bal, _ = wallets.GetBalance(ctx, tenant)
	assert.Equal(t, "40", bal.String())
	_, total, err := wallets.ListTransactions(ctx, tenant, repo.TxFilter{Kind: model.KindTopUp})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	_, err = wallets.Deduct(ctx, tenant, decimal.NewFromFloat(1000.00), "bulk analysis", "report-2", nil)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	bal, _ = wallets.GetBalance(ctx, tenant)
	assert.Equal(t, "40", bal.String())

	// reconciliation holds at the end of the sequence
	sum, err := wallets.Repo().SumCompletedTransactions(ctx, tenant)
	require.NoError(t, err)
	assert.True(t, bal.Equal(sum))
}
