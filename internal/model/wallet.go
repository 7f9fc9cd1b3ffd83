package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet holds the prepaid balance for one tenant. Balance is only ever
// changed together with a ledger row inside the same DB transaction; the
// version column backs the optimistic re-check on top of the row lock.
type Wallet struct {
	TenantID  uuid.UUID       `gorm:"type:uuid;primaryKey;column:tenant_id"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	Currency  string          `gorm:"size:3;not null;default:'USD'"`
	Version   uint64          `gorm:"not null;default:0"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallets" }
