// Package domain contains the append-only credit journal.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Kind string

const (
	KindAllocated Kind = "allocated"
	KindConsumed  Kind = "consumed"
	KindExpired   Kind = "expired"
)

const (
	ReferenceAllocation  = "allocation"
	ReferenceConsumption = "consumption"
	ReferencePurchase    = "purchase"
	ReferencePlanGrant   = "plan_grant"
	ReferenceTransfer    = "transfer"
	ReferenceSweep       = "sweep"
)

// Entry is one immutable journal row. Amount is always positive; Kind carries
// the direction.
type Entry struct {
	ID            snowflake.ID   `gorm:"primaryKey" json:"id"`
	TenantID      snowflake.ID   `gorm:"not null;index:idx_credit_journal_tenant_created,priority:1" json:"tenant_id"`
	EntityID      snowflake.ID   `gorm:"not null" json:"entity_id"`
	AllocationID  snowflake.ID   `gorm:"not null;index" json:"allocation_id"`
	Kind          Kind           `gorm:"type:text;not null;check:chk_credit_journal_kind,kind IN ('allocated', 'consumed', 'expired')" json:"kind"`
	Amount        int64          `gorm:"not null" json:"amount"`
	ReferenceType string         `gorm:"type:text;not null;default:''" json:"reference_type"`
	ReferenceID   string         `gorm:"type:text;not null;default:''" json:"reference_id"`
	Actor         string         `gorm:"type:text;not null;default:''" json:"actor"`
	Metadata      datatypes.JSON `json:"metadata,omitempty"`
	OccurredAt    time.Time      `gorm:"not null" json:"occurred_at"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_credit_journal_tenant_created,priority:2" json:"created_at"`
}

// TableName sets the database table name.
func (Entry) TableName() string { return "credit_journal" }

type Cursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	TenantID     snowflake.ID
	EntityID     snowflake.ID
	AllocationID snowflake.ID
	Kind         Kind
	StartAt      *time.Time
	EndAt        *time.Time
	Cursor       *Cursor
	Limit        int
}

func ParseKind(raw string) (Kind, bool) {
	switch Kind(raw) {
	case KindAllocated, KindConsumed, KindExpired:
		return Kind(raw), true
	default:
		return "", false
	}
}
