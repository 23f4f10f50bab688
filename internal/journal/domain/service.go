package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bizsuite/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListRequest struct {
	pagination.Pagination
	TenantID     snowflake.ID
	EntityID     snowflake.ID
	AllocationID snowflake.ID
	Kind         string
	StartAt      *time.Time
	EndAt        *time.Time
}

type ListResponse struct {
	pagination.PageInfo
	Entries []Entry `json:"entries"`
}

// Service writes and reads the journal. There is deliberately no update or
// delete operation.
type Service interface {
	// Append writes entries inside tx; ids and timestamps are filled when zero.
	Append(ctx context.Context, tx *gorm.DB, entries ...*Entry) error
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Entry, error)
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidKind      = errors.New("invalid_kind")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
