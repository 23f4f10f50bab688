package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	journaldomain "github.com/smallbiznis/bizsuite/internal/journal/domain"
	"github.com/smallbiznis/bizsuite/pkg/db/pagination"
	"gorm.io/gorm"
)

type AllocateRequest struct {
	TenantID          snowflake.ID
	EntityID          snowflake.ID
	TargetApplication string
	Amount            int64
	CreditType        CreditType
	AllocationType    AllocationType
	Purpose           string
	AllocatedBy       string
	ExpiresAt         *time.Time
	// Restrictions is the raw boundary value; see ParseRestrictions.
	Restrictions json.RawMessage

	// ReferenceType and ReferenceID link the journal entry to the producing
	// record (purchase, plan grant, transfer). Empty means the allocation itself.
	ReferenceType string
	ReferenceID   string
}

type ConsumeRequest struct {
	TenantID          snowflake.ID
	EntityID          snowflake.ID
	TargetApplication string
	Amount            int64
	OperationCode     string
	OperationID       string
	InitiatedBy       string
}

type ConsumeLine struct {
	AllocationID snowflake.ID `json:"allocation_id"`
	CreditType   CreditType   `json:"credit_type"`
	Amount       int64        `json:"amount"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
}

type ConsumeResult struct {
	ConsumptionID    snowflake.ID  `json:"consumption_id"`
	AllocationID     snowflake.ID  `json:"allocation_id"`
	ConsumedCredits  int64         `json:"consumed_credits"`
	RemainingCredits int64         `json:"remaining_credits"`
	Lines            []ConsumeLine `json:"lines"`

	// Replayed is true when the operation id was already processed.
	Replayed bool `json:"replayed"`
}

type BalanceScope string

const (
	BalanceScopeEntity BalanceScope = "entity"
	BalanceScopeTenant BalanceScope = "tenant"
)

type BalanceRequest struct {
	TenantID          snowflake.ID
	EntityID          snowflake.ID
	TargetApplication string
	// AllowFallback opts in to the tenant-wide balance when the entity balance
	// is zero. The credit policy must enable it too.
	AllowFallback bool
}

type Balance struct {
	TenantID         snowflake.ID  `json:"tenant_id"`
	EntityID         *snowflake.ID `json:"entity_id,omitempty"`
	AvailableCredits int64         `json:"available_credits"`
	TotalCredits     int64         `json:"total_credits"`
	FreeCredits      int64         `json:"free_credits"`
	PaidCredits      int64         `json:"paid_credits"`
	NearestExpiry    *time.Time    `json:"nearest_expiry,omitempty"`
	Scope            BalanceScope  `json:"scope"`
	FallbackApplied  bool          `json:"fallback_applied"`
}

type PurchaseRequest struct {
	TenantID              snowflake.ID
	ExternalTransactionID string
	CreditAmount          int64
	EntityID              snowflake.ID
	CreditType            CreditType
	TargetApplication     string
	ExpiresAt             *time.Time
}

type PurchaseResult struct {
	Purchase   PurchaseRecord `json:"purchase"`
	Allocation Allocation     `json:"allocation"`
	Replayed   bool           `json:"replayed"`
}

type ListPurchasesRequest struct {
	pagination.Pagination
	TenantID snowflake.ID
	Status   string
}

type ListPurchasesResponse struct {
	pagination.PageInfo
	Purchases []PurchaseRecord `json:"purchases"`
}

type TransferRequest struct {
	TenantID          snowflake.ID
	FromEntityID      snowflake.ID
	ToEntityID        snowflake.ID
	TargetApplication string
	Amount            int64
	OperationID       string
	InitiatedBy       string
}

type TransferResult struct {
	Consumption ConsumeResult `json:"consumption"`
	Allocations []Allocation  `json:"allocations"`
	Replayed    bool          `json:"replayed"`
}

type ExpireResult struct {
	Expired        int   `json:"expired"`
	ExpiredCredits int64 `json:"expired_credits"`
	Batches        int   `json:"batches"`
}

type Service interface {
	Allocate(ctx context.Context, req AllocateRequest) (*Allocation, error)
	// AllocateTx runs Allocate inside the caller's transaction.
	AllocateTx(ctx context.Context, tx *gorm.DB, req AllocateRequest) (*Allocation, error)
	GetAllocation(ctx context.Context, tenantID, allocationID snowflake.ID) (*Allocation, error)

	Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)

	GetBalance(ctx context.Context, req BalanceRequest) (*Balance, error)

	CompletePurchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error)
	ListPurchases(ctx context.Context, req ListPurchasesRequest) (ListPurchasesResponse, error)

	ListTransactions(ctx context.Context, req journaldomain.ListRequest) (journaldomain.ListResponse, error)

	ExpireAllocations(ctx context.Context, batchSize int) (ExpireResult, error)
}
