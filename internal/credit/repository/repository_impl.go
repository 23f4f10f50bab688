package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bizsuite/internal/credit/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertAllocation(ctx context.Context, db *gorm.DB, a *domain.Allocation) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_allocations (
			id, tenant_id, source_entity_id, target_application, credit_type, allocation_type,
			allocated_credits, used_credits, available_credits, allocated_at, expires_at,
			is_active, purpose, allocated_by, restrictions, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.TenantID,
		a.SourceEntityID,
		a.TargetApplication,
		a.CreditType,
		a.AllocationType,
		a.AllocatedCredits,
		a.UsedCredits,
		a.AvailableCredits,
		a.AllocatedAt,
		a.ExpiresAt,
		a.IsActive,
		a.Purpose,
		a.AllocatedBy,
		a.Restrictions,
		a.UpdatedAt,
	).Error
}

func (r *repo) FindAllocation(ctx context.Context, db *gorm.DB, tenantID, allocationID snowflake.ID) (*domain.Allocation, error) {
	var allocation domain.Allocation
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, allocationID).
		Take(&allocation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &allocation, nil
}

func (r *repo) FindAllocationsByIDs(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, ids []snowflake.ID) ([]domain.Allocation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var allocations []domain.Allocation
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id IN ?", tenantID, ids).
		Order("id ASC").
		Find(&allocations).Error
	if err != nil {
		return nil, err
	}
	return allocations, nil
}

func (r *repo) FindAllocationsByPurpose(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, purpose string) ([]domain.Allocation, error) {
	var allocations []domain.Allocation
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND purpose = ?", tenantID, purpose).
		Order("id ASC").
		Find(&allocations).Error
	if err != nil {
		return nil, err
	}
	return allocations, nil
}

func (r *repo) LockCandidates(ctx context.Context, db *gorm.DB, filter domain.CandidateFilter) ([]domain.Allocation, error) {
	stmt := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND source_entity_id = ?", filter.TenantID, filter.EntityID).
		Where("is_active = ?", true).
		Where("available_credits > 0").
		Where("(expires_at IS NULL OR expires_at >= ?)", filter.Now)

	if filter.TargetApplication == "" {
		stmt = stmt.Where("target_application IS NULL")
	} else {
		stmt = stmt.Where("(target_application IS NULL OR target_application = ?)", filter.TargetApplication)
	}

	var allocations []domain.Allocation
	if err := stmt.Order("id ASC").Find(&allocations).Error; err != nil {
		return nil, err
	}
	return allocations, nil
}

func (r *repo) DebitAllocation(ctx context.Context, db *gorm.DB, allocationID snowflake.ID, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_allocations
		 SET used_credits = used_credits + ?,
		     available_credits = available_credits - ?,
		     updated_at = ?
		 WHERE id = ? AND is_active = ? AND available_credits >= ?`,
		amount,
		amount,
		now,
		allocationID,
		true,
		amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) FindConsumption(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, operationID string) (*domain.ConsumptionTransaction, error) {
	var consumption domain.ConsumptionTransaction
	err := db.WithContext(ctx).
		Preload("Lines", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("id ASC")
		}).
		Where("tenant_id = ? AND operation_id = ?", tenantID, operationID).
		Take(&consumption).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &consumption, nil
}

func (r *repo) InsertConsumption(ctx context.Context, db *gorm.DB, c *domain.ConsumptionTransaction) error {
	if err := db.WithContext(ctx).Exec(
		`INSERT INTO credit_consumptions (
			id, tenant_id, entity_id, target_application, allocation_id, amount,
			remaining_credits, operation_code, operation_id, initiated_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.TenantID,
		c.EntityID,
		c.TargetApplication,
		c.AllocationID,
		c.Amount,
		c.RemainingCredits,
		c.OperationCode,
		c.OperationID,
		c.InitiatedBy,
		c.CreatedAt,
	).Error; err != nil {
		return err
	}

	for _, line := range c.Lines {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO credit_consumption_lines (id, consumption_id, allocation_id, amount, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			line.ID,
			c.ID,
			line.AllocationID,
			line.Amount,
			line.CreatedAt,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) SumBalance(ctx context.Context, db *gorm.DB, filter domain.BalanceFilter) ([]domain.BalanceRow, error) {
	var rows []domain.BalanceRow
	err := balanceScope(db.WithContext(ctx).Model(&domain.Allocation{}), filter).
		Select(`credit_type,
			COALESCE(SUM(available_credits), 0) AS available_credits,
			COALESCE(SUM(allocated_credits), 0) AS allocated_credits`).
		Group("credit_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) NearestExpiry(ctx context.Context, db *gorm.DB, filter domain.BalanceFilter) (*time.Time, error) {
	var allocations []domain.Allocation
	err := balanceScope(db.WithContext(ctx).Model(&domain.Allocation{}), filter).
		Where("available_credits > 0").
		Where("expires_at IS NOT NULL").
		Order("expires_at ASC").
		Limit(1).
		Find(&allocations).Error
	if err != nil {
		return nil, err
	}
	if len(allocations) == 0 || allocations[0].ExpiresAt == nil {
		return nil, nil
	}
	expiry := allocations[0].ExpiresAt.UTC()
	return &expiry, nil
}

func balanceScope(stmt *gorm.DB, filter domain.BalanceFilter) *gorm.DB {
	stmt = stmt.Where("tenant_id = ?", filter.TenantID).
		Where("is_active = ?", true).
		Where("(expires_at IS NULL OR expires_at >= ?)", filter.Now)
	if filter.EntityID != 0 {
		stmt = stmt.Where("source_entity_id = ?", filter.EntityID)
	}
	if filter.TargetApplication != "" {
		stmt = stmt.Where("(target_application IS NULL OR target_application = ?)", filter.TargetApplication)
	}
	return stmt
}

func (r *repo) InsertPendingPurchase(ctx context.Context, db *gorm.DB, p *domain.PurchaseRecord) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO credit_purchases (
			id, tenant_id, entity_id, external_transaction_id, credit_amount, credit_type,
			status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_transaction_id) DO NOTHING`,
		p.ID,
		p.TenantID,
		p.EntityID,
		p.ExternalTransactionID,
		p.CreditAmount,
		p.CreditType,
		domain.PurchaseStatusPending,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) LockPurchase(ctx context.Context, db *gorm.DB, externalTransactionID string) (*domain.PurchaseRecord, error) {
	var purchase domain.PurchaseRecord
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_transaction_id = ?", externalTransactionID).
		Take(&purchase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

func (r *repo) FindPurchase(ctx context.Context, db *gorm.DB, externalTransactionID string) (*domain.PurchaseRecord, error) {
	var purchase domain.PurchaseRecord
	err := db.WithContext(ctx).
		Where("external_transaction_id = ?", externalTransactionID).
		Take(&purchase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

func (r *repo) MarkPurchaseCompleted(ctx context.Context, db *gorm.DB, purchaseID, allocationID snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_purchases
		 SET status = ?, allocation_id = ?, failure_reason = NULL, updated_at = ?
		 WHERE id = ?`,
		domain.PurchaseStatusCompleted,
		allocationID,
		now,
		purchaseID,
	).Error
}

// RecordFailedPurchase persists failure evidence. A completed record is never
// downgraded and another tenant's record is never touched.
func (r *repo) RecordFailedPurchase(ctx context.Context, db *gorm.DB, p *domain.PurchaseRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_purchases (
			id, tenant_id, entity_id, external_transaction_id, credit_amount, credit_type,
			status, failure_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_transaction_id) DO UPDATE
		SET status = excluded.status,
		    failure_reason = excluded.failure_reason,
		    updated_at = excluded.updated_at
		WHERE credit_purchases.status <> 'completed'
		  AND credit_purchases.tenant_id = excluded.tenant_id`,
		p.ID,
		p.TenantID,
		p.EntityID,
		p.ExternalTransactionID,
		p.CreditAmount,
		p.CreditType,
		domain.PurchaseStatusFailed,
		p.FailureReason,
		p.CreatedAt,
		p.UpdatedAt,
	).Error
}

func (r *repo) ListPurchases(ctx context.Context, db *gorm.DB, filter domain.PurchaseFilter) ([]*domain.PurchaseRecord, error) {
	stmt := db.WithContext(ctx).Model(&domain.PurchaseRecord{}).
		Where("tenant_id = ?", filter.TenantID)
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}
	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	var purchases []*domain.PurchaseRecord
	if err := stmt.Find(&purchases).Error; err != nil {
		return nil, err
	}
	return purchases, nil
}

func (r *repo) LockExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Allocation, error) {
	var allocations []domain.Allocation
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("is_active = ?", true).
		Where("expires_at IS NOT NULL AND expires_at < ?", now).
		Order("expires_at ASC, id ASC").
		Limit(limit).
		Find(&allocations).Error
	if err != nil {
		return nil, err
	}
	return allocations, nil
}

func (r *repo) Deactivate(ctx context.Context, db *gorm.DB, ids []snowflake.ID, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_allocations SET is_active = ?, updated_at = ?
		 WHERE id IN ? AND is_active = ?`,
		false,
		now,
		ids,
		true,
	)
	return result.RowsAffected, result.Error
}
