package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/facilitypay/wallet-service/internal/model"
)

// ErrOptimisticLock is returned when the wallet version moved between the
// locked read and the write; the surrounding DB transaction must roll back.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

// TxFilter narrows and pages a ledger listing.
type TxFilter struct {
	Kind   model.TxKind
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// RepositoryInterface restricts repo methods so services can be unit
// tested against a mock.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	GetWallet(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID) (*model.Wallet, error)
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID) (*model.Wallet, error)
	CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	UpdateWalletBalance(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID, newBalance decimal.Decimal, oldVersion uint64) error

	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.LedgerTransaction) error
	FindTransactionByReference(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID, referenceID string, kind model.TxKind) (*model.LedgerTransaction, error)
	ListTransactions(ctx context.Context, tenantID uuid.UUID, f TxFilter) ([]model.LedgerTransaction, int64, error)
	SumCompletedTransactions(ctx context.Context, tenantID uuid.UUID) (decimal.Decimal, error)

	CreateTopUp(ctx context.Context, tx *gorm.DB, t *model.TopUp) error
	GetTopUp(ctx context.Context, tx *gorm.DB, tenantID, id uuid.UUID) (*model.TopUp, error)
	GetTopUpForUpdate(ctx context.Context, tx *gorm.DB, tenantID, id uuid.UUID) (*model.TopUp, error)
	GetTopUpByReferenceForUpdate(ctx context.Context, tx *gorm.DB, reference string) (*model.TopUp, error)
	SaveTopUp(ctx context.Context, tx *gorm.DB, t *model.TopUp) error
	ListTopUps(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]model.TopUp, int64, error)

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalance(ctx context.Context, tenantID uuid.UUID, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, tenantID uuid.UUID) (decimal.Decimal, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetWallet reads a wallet without locking it.
func (r *Repository) GetWallet(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWalletForUpdate locks the tenant's wallet row for the rest of the
// transaction. Different tenants lock different rows and never block
// each other.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ?", tenantID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWallet inserts a zero-balance wallet.
func (r *Repository) CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	return tx.WithContext(ctx).Create(w).Error
}

// UpdateWalletBalance writes the new balance guarded by the version read
// under the row lock.
func (r *Repository) UpdateWalletBalance(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID, newBalance decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("tenant_id = ? AND version = ?", tenantID, oldVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// CreateTransaction appends a ledger row.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.LedgerTransaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// FindTransactionByReference looks for an existing ledger row carrying the
// reference, used to make credits and deducts idempotent per reference.
func (r *Repository) FindTransactionByReference(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID, referenceID string, kind model.TxKind) (*model.LedgerTransaction, error) {
	if referenceID == "" {
		return nil, nil
	}
	var t model.LedgerTransaction
	err := tx.WithContext(ctx).
		Where("tenant_id = ? AND reference_id = ? AND kind = ?", tenantID, referenceID, kind).
		First(&t).Error
	if err == nil {
		return &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// ListTransactions returns a page plus the unpaged total.
func (r *Repository) ListTransactions(ctx context.Context, tenantID uuid.UUID, f TxFilter) ([]model.LedgerTransaction, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.LedgerTransaction{}).Where("tenant_id = ?", tenantID)
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at <= ?", f.To)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var txs []model.LedgerTransaction
	err := q.Order("created_at desc, id desc").Limit(limit).Offset(f.Offset).Find(&txs).Error
	return txs, total, err
}

// SumCompletedTransactions derives the balance from the ledger, used by
// reconciliation checks.
func (r *Repository) SumCompletedTransactions(ctx context.Context, tenantID uuid.UUID) (decimal.Decimal, error) {
	var txs []model.LedgerTransaction
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, model.TxCompleted).
		Find(&txs).Error
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, t := range txs {
		sum = sum.Add(t.Amount)
	}
	return sum, nil
}

// CreateTopUp inserts a pending attempt.
func (r *Repository) CreateTopUp(ctx context.Context, tx *gorm.DB, t *model.TopUp) error {
	return tx.WithContext(ctx).Create(t).Error
}

// GetTopUp reads an attempt scoped to its owning tenant.
func (r *Repository) GetTopUp(ctx context.Context, tx *gorm.DB, tenantID, id uuid.UUID) (*model.TopUp, error) {
	var t model.TopUp
	if err := tx.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTopUpForUpdate locks the attempt row for a lifecycle transition.
func (r *Repository) GetTopUpForUpdate(ctx context.Context, tx *gorm.DB, tenantID, id uuid.UUID) (*model.TopUp, error) {
	var t model.TopUp
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND tenant_id = ?", id, tenantID).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTopUpByReferenceForUpdate locks the attempt carrying the gateway
// reference; webhook and manual verify serialize on this row.
func (r *Repository) GetTopUpByReferenceForUpdate(ctx context.Context, tx *gorm.DB, reference string) (*model.TopUp, error) {
	var t model.TopUp
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reference = ?", reference).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// SaveTopUp persists a lifecycle transition.
func (r *Repository) SaveTopUp(ctx context.Context, tx *gorm.DB, t *model.TopUp) error {
	return tx.WithContext(ctx).Save(t).Error
}

// ListTopUps pages a tenant's attempts, newest first.
func (r *Repository) ListTopUps(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]model.TopUp, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.TopUp{}).Where("tenant_id = ?", tenantID)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var tops []model.TopUp
	err := q.Order("created_at desc").Limit(limit).Offset(offset).Find(&tops).Error
	return tops, total, err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.ID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheBalance writes Redis. Best effort; callers log and move on.
func (r *Repository) CacheBalance(ctx context.Context, tenantID uuid.UUID, bal decimal.Decimal) error {
	return r.rdb.Set(ctx, balanceKey(tenantID), bal.String(), 5*time.Minute).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, tenantID uuid.UUID) (decimal.Decimal, error) {
	str, err := r.rdb.Get(ctx, balanceKey(tenantID)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}

func balanceKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("balance:%s", tenantID)
}
