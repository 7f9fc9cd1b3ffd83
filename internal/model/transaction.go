package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TxKind string

const (
	KindTopUp      TxKind = "topup"
	KindDeduction  TxKind = "deduction"
	KindRefund     TxKind = "refund"
	KindAdjustment TxKind = "adjustment"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
	TxRefunded  TxStatus = "refunded"
)

// LedgerTransaction is append-only: rows are inserted once and never
// updated. Corrections are new adjustment/refund rows. Amount is signed
// (negative for deductions); BalanceAfter must equal
// BalanceBefore + Amount and the wallet balance at commit time.
type LedgerTransaction struct {
	ID            uint64          `gorm:"primaryKey"`
	TenantID      uuid.UUID       `gorm:"type:uuid;not null;index"`
	Kind          TxKind          `gorm:"size:32;not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	BalanceBefore decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	BalanceAfter  decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Description   string          `gorm:"size:255"`
	ReferenceID   *string         `gorm:"size:64;index"`
	Status        TxStatus        `gorm:"size:16;not null"`
	Metadata      Metadata        `gorm:"type:jsonb"`
	CreatedAt     time.Time       `gorm:"autoCreateTime"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }
