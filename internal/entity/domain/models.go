// Package domain contains the organizational entity tree owned by a tenant.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type EntityType string

const (
	EntityTypeOrganization EntityType = "organization"
	EntityTypeDepartment   EntityType = "department"
	EntityTypeTeam         EntityType = "team"
	EntityTypeBranch       EntityType = "branch"
	EntityTypeAffiliate    EntityType = "affiliate"
)

// Entity is a node of a tenant's organizational hierarchy. Path is the
// materialized slug chain from the root, e.g. /acme/sales/emea.
type Entity struct {
	ID             snowflake.ID  `gorm:"primaryKey" json:"id"`
	TenantID       snowflake.ID  `gorm:"not null;index;uniqueIndex:ux_entities_tenant_path,priority:1" json:"tenant_id"`
	ParentEntityID *snowflake.ID `gorm:"index" json:"parent_entity_id,omitempty"`
	EntityType     EntityType    `gorm:"type:text;not null" json:"entity_type"`
	Name           string        `gorm:"type:text;not null" json:"name"`
	Slug           string        `gorm:"type:text;not null" json:"slug"`
	Path           string        `gorm:"type:text;not null;uniqueIndex:ux_entities_tenant_path,priority:2" json:"path"`
	IsDefault      bool          `gorm:"not null" json:"is_default"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (Entity) TableName() string { return "entities" }

func (e Entity) IsRoot() bool {
	return e.ParentEntityID == nil
}

// IsAncestorOf reports whether e sits strictly above other in the same tree.
func (e Entity) IsAncestorOf(other Entity) bool {
	if e.TenantID != other.TenantID || e.ID == other.ID {
		return false
	}
	return strings.HasPrefix(other.Path, e.Path+"/")
}

// PathPrefixes returns every ancestor path of path, root first, excluding path itself.
func PathPrefixes(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) <= 1 {
		return nil
	}
	prefixes := make([]string, 0, len(parts)-1)
	current := ""
	for _, part := range parts[:len(parts)-1] {
		current += "/" + part
		prefixes = append(prefixes, current)
	}
	return prefixes
}

func ParseEntityType(raw string) (EntityType, bool) {
	switch EntityType(strings.ToLower(strings.TrimSpace(raw))) {
	case EntityTypeOrganization:
		return EntityTypeOrganization, true
	case EntityTypeDepartment:
		return EntityTypeDepartment, true
	case EntityTypeTeam:
		return EntityTypeTeam, true
	case EntityTypeBranch:
		return EntityTypeBranch, true
	case EntityTypeAffiliate:
		return EntityTypeAffiliate, true
	default:
		return "", false
	}
}
