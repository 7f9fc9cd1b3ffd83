package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TopUpStatus string

const (
	TopUpPending   TopUpStatus = "pending"
	TopUpVerified  TopUpStatus = "verified"
	TopUpFailed    TopUpStatus = "failed"
	TopUpCancelled TopUpStatus = "cancelled"
)

// Terminal reports whether no further state transition is allowed.
func (s TopUpStatus) Terminal() bool { return s != TopUpPending }

// TopUp is one attempt to add funds through the payment gateway.
// Reference is the gateway-assigned charge reference and is unique so a
// webhook or manual verify can only ever resolve to one attempt. A
// verified TopUp has exactly one topup-kind ledger transaction pointing
// back at its ID.
type TopUp struct {
	ID              uuid.UUID        `gorm:"type:uuid;primaryKey"`
	TenantID        uuid.UUID        `gorm:"type:uuid;not null;index"`
	AmountRequested decimal.Decimal  `gorm:"type:numeric(20,8);not null"`
	AmountReceived  *decimal.Decimal `gorm:"type:numeric(20,8)"`
	Status          TopUpStatus      `gorm:"size:16;not null;default:'pending'"`
	Reference       string           `gorm:"size:64;uniqueIndex;not null"`
	FailureReason   *string          `gorm:"size:255"`
	CreatedAt       time.Time        `gorm:"autoCreateTime"`
	UpdatedAt       time.Time        `gorm:"autoUpdateTime"`
	VerifiedAt      *time.Time
}

func (TopUp) TableName() string { return "topups" }
