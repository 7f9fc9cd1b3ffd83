package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/facilitypay/wallet-service/internal/config"
	"github.com/facilitypay/wallet-service/internal/gateway"
	"github.com/facilitypay/wallet-service/internal/model"
	"github.com/facilitypay/wallet-service/internal/repo"
)

// TopUpService drives the pending → verified|failed|cancelled state
// machine. Finalization is idempotent: replaying a completion signal for
// an already-terminal attempt returns the terminal state without touching
// the ledger, so webhook retries and manual verification can race freely.
type TopUpService struct {
	repo     repo.RepositoryInterface
	wallets  *WalletService
	gw       gateway.PaymentGateway
	minTopUp decimal.Decimal
	log      *zap.SugaredLogger
}

func NewTopUpService(r repo.RepositoryInterface, wallets *WalletService, gw gateway.PaymentGateway, cfg config.GatewayConfig, logger *zap.SugaredLogger) *TopUpService {
	min, err := decimal.NewFromString(cfg.MinTopUp)
	if err != nil {
		min = decimal.Zero
	}
	return &TopUpService{repo: r, wallets: wallets, gw: gw, minTopUp: min, log: logger}
}

// Initialize opens a charge with the gateway and persists the pending
// attempt keyed by the gateway reference. The gateway call happens before
// anything is written: a timeout leaves no local state behind.
func (s *TopUpService) Initialize(ctx context.Context, tenantID uuid.UUID, amount decimal.Decimal) (*model.TopUp, string, error) {
	if amount.LessThanOrEqual(decimal.Zero) || amount.LessThan(s.minTopUp) {
		return nil, "", ErrInvalidAmount
	}
	init, err := s.gw.InitializeCharge(ctx, amount, map[string]string{"tenant_id": tenantID.String()})
	if err != nil {
		return nil, "", err
	}
	top := &model.TopUp{
		ID:              uuid.New(),
		TenantID:        tenantID,
		AmountRequested: amount,
		Status:          model.TopUpPending,
		Reference:       init.Reference,
	}
	if err := s.repo.CreateTopUp(ctx, s.repo.DB(ctx), top); err != nil {
		return nil, "", err
	}
	s.log.Infow("top-up initialized", "tenant", tenantID, "reference", top.Reference, "amount", amount)
	return top, init.RedirectURL, nil
}

// FinalizeSuccess flips a pending attempt to verified and credits the
// wallet, both in one DB transaction. Already-terminal attempts are
// returned as-is without a second credit; the duplicate path holds the
// same row lock so two concurrent deliveries cannot both see pending.
func (s *TopUpService) FinalizeSuccess(ctx context.Context, reference string, amountReceived decimal.Decimal) (*model.TopUp, error) {
	var result *model.TopUp
	var transitioned bool
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		top, err := s.repo.GetTopUpByReferenceForUpdate(ctx, tx, reference)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTopUpNotFound
			}
			return err
		}
		if top.Status.Terminal() {
			result = top
			return nil
		}

		now := time.Now()
		top.Status = model.TopUpVerified
		top.AmountReceived = &amountReceived
		top.VerifiedAt = &now
		if err := s.repo.SaveTopUp(ctx, tx, top); err != nil {
			return err
		}
		if _, err := s.wallets.CreditInTx(ctx, tx, top.TenantID, amountReceived, model.KindTopUp,
			"wallet top-up", top.ID.String(), model.Metadata{"gateway_reference": reference}); err != nil {
			return err
		}
		result = top
		transitioned = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if transitioned {
		s.log.Infow("top-up verified", "tenant", result.TenantID, "reference", reference, "amount", amountReceived)
	}
	return result, nil
}

// FinalizeFailure marks a pending attempt failed. Idempotent the same way
// as FinalizeSuccess: terminal attempts come back unchanged.
func (s *TopUpService) FinalizeFailure(ctx context.Context, reference, reason string) (*model.TopUp, error) {
	var result *model.TopUp
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		top, err := s.repo.GetTopUpByReferenceForUpdate(ctx, tx, reference)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTopUpNotFound
			}
			return err
		}
		if top.Status.Terminal() {
			result = top
			return nil
		}
		top.Status = model.TopUpFailed
		if reason != "" {
			top.FailureReason = &reason
		}
		if err := s.repo.SaveTopUp(ctx, tx, top); err != nil {
			return err
		}
		result = top
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel is user-initiated local bookkeeping: it only applies while the
// attempt is still pending. There is no cancelling an in-flight external
// payment; once a terminal state is reached this is ErrInvalidState.
func (s *TopUpService) Cancel(ctx context.Context, tenantID, topUpID uuid.UUID) (*model.TopUp, error) {
	var result *model.TopUp
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		top, err := s.repo.GetTopUpForUpdate(ctx, tx, tenantID, topUpID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTopUpNotFound
			}
			return err
		}
		if top.Status != model.TopUpPending {
			return ErrInvalidState
		}
		top.Status = model.TopUpCancelled
		if err := s.repo.SaveTopUp(ctx, tx, top); err != nil {
			return err
		}
		result = top
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Retry opens a fresh attempt (new gateway reference) for a failed or
// cancelled one. The old reference is never reused with the gateway.
func (s *TopUpService) Retry(ctx context.Context, tenantID, topUpID uuid.UUID) (*model.TopUp, string, error) {
	top, err := s.repo.GetTopUp(ctx, s.repo.DB(ctx), tenantID, topUpID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", ErrTopUpNotFound
		}
		return nil, "", err
	}
	if top.Status != model.TopUpFailed && top.Status != model.TopUpCancelled {
		return nil, "", ErrInvalidState
	}
	return s.Initialize(ctx, tenantID, top.AmountRequested)
}

// Verify polls the gateway for the charge state and finalizes
// accordingly. A gateway timeout or a still-pending charge leaves the
// attempt pending for the webhook or a later poll; success is never
// guessed.
func (s *TopUpService) Verify(ctx context.Context, tenantID uuid.UUID, reference string) (*model.TopUp, error) {
	var top model.TopUp
	if err := s.repo.DB(ctx).Where("reference = ? AND tenant_id = ?", reference, tenantID).First(&top).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTopUpNotFound
		}
		return nil, err
	}
	if top.Status.Terminal() {
		return &top, nil
	}

	v, err := s.gw.VerifyCharge(ctx, reference)
	if err != nil {
		return nil, err
	}
	switch v.Status {
	case gateway.ChargeSuccess:
		return s.FinalizeSuccess(ctx, reference, v.AmountReceived)
	case gateway.ChargeFailed:
		return s.FinalizeFailure(ctx, reference, "gateway reported failure")
	default:
		return &top, nil
	}
}

// ListTopUps pages the tenant's attempts.
func (s *TopUpService) ListTopUps(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]model.TopUp, int64, error) {
	return s.repo.ListTopUps(ctx, tenantID, limit, offset)
}
