// Package domain contains the tenant registry models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// Tenant is the isolation boundary for every ledger row.
type Tenant struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	Slug      string       `gorm:"type:text;not null;uniqueIndex:ux_tenants_slug" json:"slug"`
	PlanCode  string       `gorm:"type:text;not null;default:''" json:"plan_code"`
	Status    Status       `gorm:"type:text;not null" json:"status"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Tenant) TableName() string { return "tenants" }

func (t Tenant) IsActive() bool {
	return t.Status == StatusActive
}

func ParseStatus(raw string) (Status, bool) {
	switch Status(raw) {
	case StatusActive, StatusSuspended, StatusCancelled:
		return Status(raw), true
	default:
		return "", false
	}
}
