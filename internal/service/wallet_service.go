package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/facilitypay/wallet-service/internal/model"
	"github.com/facilitypay/wallet-service/internal/repo"
)

// WalletService owns every balance mutation. Each mutation is one DB
// transaction that locks the tenant's wallet row, re-checks the balance
// under the lock, and writes the ledger row, the new balance and the
// outbox event together. Nothing slow (gateway calls, inference) ever
// runs inside that transaction.
type WalletService struct {
	repo     repo.RepositoryInterface
	currency string
	log      *zap.SugaredLogger
}

// NewWalletService returns WalletService.
func NewWalletService(r repo.RepositoryInterface, currency string, logger *zap.SugaredLogger) *WalletService {
	if currency == "" {
		currency = "USD"
	}
	return &WalletService{repo: r, currency: currency, log: logger}
}

// GetBalance returns the tenant's current balance, read-through cached.
func (s *WalletService) GetBalance(ctx context.Context, tenantID uuid.UUID) (decimal.Decimal, error) {
	bal, err := s.repo.GetCachedBalance(ctx, tenantID)
	if err == nil {
		return bal, nil
	}
	w, err := s.repo.GetWallet(ctx, s.repo.DB(ctx), tenantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, ErrWalletNotFound
		}
		return decimal.Zero, err
	}
	if err := s.repo.CacheBalance(ctx, tenantID, w.Balance); err != nil {
		s.log.Warnf("cache balance tenant=%s: %v", tenantID, err)
	}
	return w.Balance, nil
}

// CheckSufficientBalance is advisory only: a concurrent deduct can spend
// the balance between this check and a later Deduct, which re-checks
// under the row lock anyway.
func (s *WalletService) CheckSufficientBalance(ctx context.Context, tenantID uuid.UUID, amount decimal.Decimal) (bool, error) {
	bal, err := s.GetBalance(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return bal.GreaterThanOrEqual(amount), nil
}

// Credit adds funds in its own DB transaction.
func (s *WalletService) Credit(ctx context.Context, tenantID uuid.UUID, amount decimal.Decimal, kind model.TxKind, description, referenceID string, meta model.Metadata) (*model.LedgerTransaction, error) {
	var result *model.LedgerTransaction
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.CreditInTx(ctx, tx, tenantID, amount, kind, description, referenceID, meta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CreditInTx credits a wallet inside a caller-owned DB transaction, so
// the top-up finalizer can flip its status and credit the ledger in one
// commit. The wallet is created lazily on first credit. A reference that
// already has a ledger row of the same kind returns that row unchanged.
func (s *WalletService) CreditInTx(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID, amount decimal.Decimal, kind model.TxKind, description, referenceID string, meta model.Metadata) (*model.LedgerTransaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if existing, err := s.repo.FindTransactionByReference(ctx, tx, tenantID, referenceID, kind); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	w, err := s.repo.GetWalletForUpdate(ctx, tx, tenantID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		w = &model.Wallet{TenantID: tenantID, Balance: decimal.Zero, Currency: s.currency}
		if err := s.repo.CreateWallet(ctx, tx, w); err != nil {
			return nil, err
		}
	}

	newBal := w.Balance.Add(amount)
	if err := s.repo.UpdateWalletBalance(ctx, tx, tenantID, newBal, w.Version); err != nil {
		return nil, err
	}
	t := &model.LedgerTransaction{
		TenantID:      tenantID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: w.Balance,
		BalanceAfter:  newBal,
		Description:   description,
		Status:        model.TxCompleted,
		Metadata:      meta,
	}
	if referenceID != "" {
		t.ReferenceID = &referenceID
	}
	if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := s.writeOutbox(ctx, tx, tenantID, "wallet.credited", amount, newBal); err != nil {
		return nil, err
	}
	if err := s.repo.CacheBalance(ctx, tenantID, newBal); err != nil {
		s.log.Warnf("cache balance tenant=%s: %v", tenantID, err)
	}
	return t, nil
}

// Deduct removes funds for a paid operation. Sufficiency is re-checked
// under the row lock at commit time; an earlier CheckSufficientBalance
// result is never trusted.
func (s *WalletService) Deduct(ctx context.Context, tenantID uuid.UUID, amount decimal.Decimal, description, referenceID string, meta model.Metadata) (*model.LedgerTransaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	var result *model.LedgerTransaction
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if existing, err := s.repo.FindTransactionByReference(ctx, tx, tenantID, referenceID, model.KindDeduction); err != nil {
			return err
		} else if existing != nil {
			result = existing
			return nil
		}

		w, err := s.repo.GetWalletForUpdate(ctx, tx, tenantID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				s.log.Errorf("deduct against missing wallet tenant=%s", tenantID)
				return ErrWalletNotFound
			}
			return err
		}
		if w.Balance.LessThan(amount) {
			return &InsufficientBalanceError{Balance: w.Balance, Required: amount}
		}

		newBal := w.Balance.Sub(amount)
		if err := s.repo.UpdateWalletBalance(ctx, tx, tenantID, newBal, w.Version); err != nil {
			return err
		}
		t := &model.LedgerTransaction{
			TenantID:      tenantID,
			Kind:          model.KindDeduction,
			Amount:        amount.Neg(),
			BalanceBefore: w.Balance,
			BalanceAfter:  newBal,
			Description:   description,
			Status:        model.TxCompleted,
			Metadata:      meta,
		}
		if referenceID != "" {
			t.ReferenceID = &referenceID
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := s.writeOutbox(ctx, tx, tenantID, "wallet.debited", amount, newBal); err != nil {
			return err
		}
		if err := s.repo.CacheBalance(ctx, tenantID, newBal); err != nil {
			s.log.Warnf("cache balance tenant=%s: %v", tenantID, err)
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListTransactions pages the tenant's ledger.
func (s *WalletService) ListTransactions(ctx context.Context, tenantID uuid.UUID, f repo.TxFilter) ([]model.LedgerTransaction, int64, error) {
	return s.repo.ListTransactions(ctx, tenantID, f)
}

func (s *WalletService) writeOutbox(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID, eventType string, amount, balance decimal.Decimal) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"tenant_id": tenantID,
		"amount":    amount,
		"balance":   balance,
	})
	evt := &model.OutboxEvent{
		Aggregate:   "Wallet",
		AggregateID: tenantID.String(),
		EventType:   eventType,
		Payload:     string(payload),
	}
	return s.repo.CreateOutboxEvent(ctx, tx, evt)
}

// Repo exposes underlying repository (unit tests helper).
func (s *WalletService) Repo() repo.RepositoryInterface {
	return s.repo
}
