package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bizsuite/internal/plangrant/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, grant *domain.Grant) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO plan_grants (id, tenant_id, plan_code, period_key, allocation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		grant.ID,
		grant.TenantID,
		grant.PlanCode,
		grant.PeriodKey,
		grant.AllocationID,
		grant.CreatedAt,
	).Error
}

func (r *repo) FindByPeriod(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, planCode, periodKey string) (*domain.Grant, error) {
	var grant domain.Grant
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND plan_code = ? AND period_key = ?", tenantID, planCode, periodKey).
		Take(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &grant, nil
}
