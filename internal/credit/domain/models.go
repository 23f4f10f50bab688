// Package domain contains the credit ledger models, requests and errors.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type CreditType string

const (
	CreditTypeFree CreditType = "free"
	CreditTypePaid CreditType = "paid"
)

type AllocationType string

const (
	// AllocationTypeBulk is a system grant that skips any upstream balance check.
	AllocationTypeBulk         AllocationType = "bulk"
	AllocationTypeSubscription AllocationType = "subscription"
	// AllocationTypeOperational assumes the caller already validated the upstream balance.
	AllocationTypeOperational AllocationType = "operational"
)

type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusCompleted PurchaseStatus = "completed"
	PurchaseStatusFailed    PurchaseStatus = "failed"
)

// Allocation is a credit grant with its own running balance. Rows are never
// deleted; expiry flips IsActive.
type Allocation struct {
	ID                snowflake.ID   `gorm:"primaryKey" json:"id"`
	TenantID          snowflake.ID   `gorm:"not null;index:idx_credit_allocations_candidates,priority:1" json:"tenant_id"`
	SourceEntityID    snowflake.ID   `gorm:"not null;index:idx_credit_allocations_candidates,priority:2" json:"source_entity_id"`
	TargetApplication *string        `gorm:"type:text" json:"target_application,omitempty"`
	CreditType        CreditType     `gorm:"type:text;not null;check:chk_credit_allocations_credit_type,credit_type IN ('free', 'paid')" json:"credit_type"`
	AllocationType    AllocationType `gorm:"type:text;not null;check:chk_credit_allocations_allocation_type,allocation_type IN ('bulk', 'subscription', 'operational')" json:"allocation_type"`
	AllocatedCredits  int64          `gorm:"not null;check:chk_credit_allocations_allocated,allocated_credits >= 0" json:"allocated_credits"`
	UsedCredits       int64          `gorm:"not null;check:chk_credit_allocations_used,used_credits >= 0 AND used_credits <= allocated_credits" json:"used_credits"`
	AvailableCredits  int64          `gorm:"not null;check:chk_credit_allocations_available,available_credits >= 0 AND available_credits = allocated_credits - used_credits" json:"available_credits"`
	AllocatedAt       time.Time      `gorm:"not null" json:"allocated_at"`
	ExpiresAt         *time.Time     `gorm:"index:idx_credit_allocations_candidates,priority:4" json:"expires_at,omitempty"`
	IsActive          bool           `gorm:"not null;index:idx_credit_allocations_candidates,priority:3" json:"is_active"`
	Purpose           string         `gorm:"type:text;not null;default:''" json:"purpose"`
	AllocatedBy       string         `gorm:"type:text;not null;default:''" json:"allocated_by"`
	Restrictions      datatypes.JSON `json:"restrictions,omitempty"`
	UpdatedAt         time.Time      `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Allocation) TableName() string { return "credit_allocations" }

// Spendable reports whether the allocation can fund a debit at now.
func (a Allocation) Spendable(now time.Time) bool {
	if !a.IsActive || a.AvailableCredits <= 0 {
		return false
	}
	return a.ExpiresAt == nil || !a.ExpiresAt.Before(now)
}

// ConsumptionTransaction is the idempotency record of one consume call.
// AllocationID is the first allocation drained; Lines lists all of them.
type ConsumptionTransaction struct {
	ID                snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID          snowflake.ID      `gorm:"not null;uniqueIndex:ux_credit_consumptions_operation,priority:1" json:"tenant_id"`
	EntityID          snowflake.ID      `gorm:"not null" json:"entity_id"`
	TargetApplication *string           `gorm:"type:text" json:"target_application,omitempty"`
	AllocationID      snowflake.ID      `gorm:"not null" json:"allocation_id"`
	Amount            int64             `gorm:"not null;check:chk_credit_consumptions_amount,amount > 0" json:"amount"`
	RemainingCredits  int64             `gorm:"not null" json:"remaining_credits"`
	OperationCode     string            `gorm:"type:text;not null" json:"operation_code"`
	OperationID       string            `gorm:"type:text;not null;uniqueIndex:ux_credit_consumptions_operation,priority:2" json:"operation_id"`
	InitiatedBy       string            `gorm:"type:text;not null;default:''" json:"initiated_by"`
	CreatedAt         time.Time         `gorm:"not null" json:"created_at"`
	Lines             []ConsumptionLine `gorm:"foreignKey:ConsumptionID" json:"lines,omitempty"`
}

// TableName sets the database table name.
func (ConsumptionTransaction) TableName() string { return "credit_consumptions" }

type ConsumptionLine struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	ConsumptionID snowflake.ID `gorm:"not null;index" json:"consumption_id"`
	AllocationID  snowflake.ID `gorm:"not null;index" json:"allocation_id"`
	Amount        int64        `gorm:"not null;check:chk_credit_consumption_lines_amount,amount > 0" json:"amount"`
	CreatedAt     time.Time    `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (ConsumptionLine) TableName() string { return "credit_consumption_lines" }

// PurchaseRecord is the idempotency record of an external payment.
type PurchaseRecord struct {
	ID                    snowflake.ID   `gorm:"primaryKey" json:"id"`
	TenantID              snowflake.ID   `gorm:"not null;index" json:"tenant_id"`
	EntityID              *snowflake.ID  `json:"entity_id,omitempty"`
	ExternalTransactionID string         `gorm:"type:text;not null;uniqueIndex:ux_credit_purchases_external" json:"external_transaction_id"`
	CreditAmount          int64          `gorm:"not null" json:"credit_amount"`
	CreditType            CreditType     `gorm:"type:text;not null" json:"credit_type"`
	Status                PurchaseStatus `gorm:"type:text;not null;check:chk_credit_purchases_status,status IN ('pending', 'completed', 'failed')" json:"status"`
	AllocationID          *snowflake.ID  `json:"allocation_id,omitempty"`
	FailureReason         *string        `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt             time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt             time.Time      `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (PurchaseRecord) TableName() string { return "credit_purchases" }

func ParseCreditType(raw string) (CreditType, bool) {
	switch CreditType(raw) {
	case CreditTypeFree, CreditTypePaid:
		return CreditType(raw), true
	default:
		return "", false
	}
}

func ParseAllocationType(raw string) (AllocationType, bool) {
	switch AllocationType(raw) {
	case AllocationTypeBulk, AllocationTypeSubscription, AllocationTypeOperational:
		return AllocationType(raw), true
	default:
		return "", false
	}
}
