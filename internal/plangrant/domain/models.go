// Package domain records which plan periods already received their credits.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// PeriodActivation is the period key of the one-off grant made when a plan
// is first activated.
const PeriodActivation = "activation"

type Grant struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID     snowflake.ID `gorm:"not null;uniqueIndex:ux_plan_grants_period,priority:1" json:"tenant_id"`
	PlanCode     string       `gorm:"type:text;not null;uniqueIndex:ux_plan_grants_period,priority:2" json:"plan_code"`
	PeriodKey    string       `gorm:"type:text;not null;uniqueIndex:ux_plan_grants_period,priority:3" json:"period_key"`
	AllocationID snowflake.ID `gorm:"not null" json:"allocation_id"`
	CreatedAt    time.Time    `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (Grant) TableName() string { return "plan_grants" }
