package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bizsuite/internal/entity/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entity *domain.Entity) error {
	if entity == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO entities (
			id, tenant_id, parent_entity_id, entity_type, name, slug, path, is_default, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entity.ID,
		entity.TenantID,
		entity.ParentEntityID,
		entity.EntityType,
		entity.Name,
		entity.Slug,
		entity.Path,
		entity.IsDefault,
		entity.CreatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, entityID snowflake.ID) (*domain.Entity, error) {
	var entity domain.Entity
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, entityID).
		Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (r *repo) FindRoot(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*domain.Entity, error) {
	var entity domain.Entity
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND is_default = ? AND parent_entity_id IS NULL", tenantID, true).
		Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (r *repo) FindByPaths(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, paths []string) ([]domain.Entity, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	var entities []domain.Entity
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND path IN ?", tenantID, paths).
		Order("LENGTH(path) ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return entities, nil
}

func (r *repo) FindByPathPrefix(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, prefix string) ([]domain.Entity, error) {
	var entities []domain.Entity
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND path LIKE ?", tenantID, prefix+"/%").
		Order("LENGTH(path) ASC, id ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return entities, nil
}
