package repo

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/facilitypay/wallet-service/internal/logger"
	"github.com/facilitypay/wallet-service/internal/model"
)

// A stale version must never overwrite a newer balance: the second write
// built on the same read loses.
func TestOptimisticLock_StaleVersionRejected(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:optlock?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Wallet{}))

	tenant := uuid.New()
	require.NoError(t, db.Create(&model.Wallet{TenantID: tenant, Balance: decimal.NewFromInt(100), Currency: "USD"}).Error)

	log, err := logger.NewLogger()
	require.NoError(t, err)
	r := NewRepository(db, nil, &kafka.Writer{}, log)
	ctx := context.Background()

	w, err := r.GetWalletForUpdate(ctx, db, tenant)
	require.NoError(t, err)

	// two writers computed a new balance from the same snapshot
	err = r.UpdateWalletBalance(ctx, db, tenant, w.Balance.Add(decimal.NewFromInt(10)), w.Version)
	require.NoError(t, err)
	err = r.UpdateWalletBalance(ctx, db, tenant, w.Balance.Add(decimal.NewFromInt(10)), w.Version)
	assert.ErrorIs(t, err, ErrOptimisticLock)

	var final model.Wallet
	require.NoError(t, db.Where("tenant_id = ?", tenant).First(&final).Error)
	assert.Equal(t, "110", final.Balance.String())
	assert.EqualValues(t, 1, final.Version)
}
