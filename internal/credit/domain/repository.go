package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CandidateFilter struct {
	TenantID          snowflake.ID
	EntityID          snowflake.ID
	TargetApplication string
	Now               time.Time
}

type BalanceFilter struct {
	TenantID snowflake.ID
	// EntityID zero means every entity of the tenant.
	EntityID          snowflake.ID
	TargetApplication string
	Now               time.Time
}

type BalanceRow struct {
	CreditType       CreditType
	AvailableCredits int64
	AllocatedCredits int64
}

type PurchaseCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type PurchaseFilter struct {
	TenantID snowflake.ID
	Status   PurchaseStatus
	Cursor   *PurchaseCursor
	Limit    int
}

type Repository interface {
	InsertAllocation(ctx context.Context, db *gorm.DB, allocation *Allocation) error
	FindAllocation(ctx context.Context, db *gorm.DB, tenantID, allocationID snowflake.ID) (*Allocation, error)
	FindAllocationsByIDs(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, ids []snowflake.ID) ([]Allocation, error)
	FindAllocationsByPurpose(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, purpose string) ([]Allocation, error)
	// LockCandidates returns spendable allocations locked FOR UPDATE in id order.
	LockCandidates(ctx context.Context, db *gorm.DB, filter CandidateFilter) ([]Allocation, error)
	// DebitAllocation applies a guarded debit; false means the row no longer had
	// enough credits.
	DebitAllocation(ctx context.Context, db *gorm.DB, allocationID snowflake.ID, amount int64, now time.Time) (bool, error)

	FindConsumption(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, operationID string) (*ConsumptionTransaction, error)
	InsertConsumption(ctx context.Context, db *gorm.DB, consumption *ConsumptionTransaction) error

	SumBalance(ctx context.Context, db *gorm.DB, filter BalanceFilter) ([]BalanceRow, error)
	NearestExpiry(ctx context.Context, db *gorm.DB, filter BalanceFilter) (*time.Time, error)

	InsertPendingPurchase(ctx context.Context, db *gorm.DB, purchase *PurchaseRecord) (bool, error)
	LockPurchase(ctx context.Context, db *gorm.DB, externalTransactionID string) (*PurchaseRecord, error)
	FindPurchase(ctx context.Context, db *gorm.DB, externalTransactionID string) (*PurchaseRecord, error)
	MarkPurchaseCompleted(ctx context.Context, db *gorm.DB, purchaseID, allocationID snowflake.ID, now time.Time) error
	RecordFailedPurchase(ctx context.Context, db *gorm.DB, purchase *PurchaseRecord) error
	ListPurchases(ctx context.Context, db *gorm.DB, filter PurchaseFilter) ([]*PurchaseRecord, error)

	// LockExpired returns active allocations past expiry, skipping rows locked
	// by another sweeper.
	LockExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Allocation, error)
	Deactivate(ctx context.Context, db *gorm.DB, ids []snowflake.ID, now time.Time) (int64, error)
}
