package service

import (
	"context"
	"errors"

	"github.com/smallbiznis/bizsuite/internal/credit/domain"
	journaldomain "github.com/smallbiznis/bizsuite/internal/journal/domain"
)

// ListTransactions pages through the credit journal, newest first.
func (s *Service) ListTransactions(ctx context.Context, req journaldomain.ListRequest) (journaldomain.ListResponse, error) {
	resp, err := s.journal.List(ctx, req)
	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, journaldomain.ErrInvalidTenant):
		return resp, domain.NewValidationError("tenant_id", "is required")
	case errors.Is(err, journaldomain.ErrInvalidKind):
		return resp, domain.NewValidationError("kind", "must be allocated, consumed or expired")
	case errors.Is(err, journaldomain.ErrInvalidTimeRange):
		return resp, domain.NewValidationError("start_at", "must not be after end_at")
	case errors.Is(err, journaldomain.ErrInvalidPageToken):
		return resp, domain.ErrInvalidPageToken
	default:
		return resp, err
	}
}
