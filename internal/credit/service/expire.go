package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bizsuite/internal/credit/domain"
	"github.com/smallbiznis/bizsuite/internal/events"
	journaldomain "github.com/smallbiznis/bizsuite/internal/journal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultSweepBatchSize = 200

// ExpireAllocations deactivates allocations past their expiry, one committed
// batch at a time. Reads already ignore expired rows, so a failed sweep only
// delays the journal and events.
func (s *Service) ExpireAllocations(ctx context.Context, batchSize int) (domain.ExpireResult, error) {
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	ctx, span := tracer.Start(ctx, "credit.ExpireAllocations")
	defer span.End()

	var result domain.ExpireResult
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		expired, credits, err := s.expireBatch(ctx, batchSize)
		if err != nil {
			s.logger(ctx).Warn("expiration batch failed",
				zap.Int("batch", result.Batches+1),
				zap.Error(err),
			)
			return result, fmt.Errorf("expire allocations: %w", err)
		}
		if expired == 0 {
			break
		}
		result.Batches++
		result.Expired += expired
		result.ExpiredCredits += credits
		if expired < batchSize {
			break
		}
	}

	if result.Expired > 0 {
		s.logger(ctx).Info("expired allocations",
			zap.Int("allocations", result.Expired),
			zap.Int64("credits", result.ExpiredCredits),
			zap.Int("batches", result.Batches),
		)
	}
	return result, nil
}

func (s *Service) expireBatch(ctx context.Context, batchSize int) (int, int64, error) {
	var (
		expired int
		credits int64
		byType  = map[domain.CreditType]int64{}
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		allocations, err := s.repo.LockExpired(ctx, tx, now, batchSize)
		if err != nil {
			return err
		}
		if len(allocations) == 0 {
			return nil
		}

		ids := make([]snowflake.ID, 0, len(allocations))
		for _, allocation := range allocations {
			ids = append(ids, allocation.ID)
		}
		if _, err := s.repo.Deactivate(ctx, tx, ids, now); err != nil {
			return err
		}

		entries := make([]*journaldomain.Entry, 0, len(allocations))
		for _, allocation := range allocations {
			entries = append(entries, &journaldomain.Entry{
				TenantID:      allocation.TenantID,
				EntityID:      allocation.SourceEntityID,
				AllocationID:  allocation.ID,
				Kind:          journaldomain.KindExpired,
				Amount:        allocation.AvailableCredits,
				ReferenceType: journaldomain.ReferenceSweep,
				ReferenceID:   allocation.ID.String(),
				Actor:         "system",
				OccurredAt:    *allocation.ExpiresAt,
			})

			payload := map[string]any{
				"allocation_id":   allocation.ID.String(),
				"entity_id":       allocation.SourceEntityID.String(),
				"credit_type":     string(allocation.CreditType),
				"expired_credits": allocation.AvailableCredits,
				"expires_at":      *allocation.ExpiresAt,
			}
			if err := s.outbox.PublishTx(ctx, tx, events.Event{
				TenantID:  allocation.TenantID,
				Type:      events.EventCreditExpired,
				DedupeKey: events.EventCreditExpired + ":" + allocation.ID.String(),
				Payload:   payload,
			}); err != nil {
				return err
			}

			credits += allocation.AvailableCredits
			byType[allocation.CreditType] += allocation.AvailableCredits
		}
		if err := s.journal.Append(ctx, tx, entries...); err != nil {
			return err
		}
		expired = len(allocations)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	for creditType, amount := range byType {
		s.metrics.RecordExpiration(ctx, string(creditType), amount)
	}
	return expired, credits, nil
}
