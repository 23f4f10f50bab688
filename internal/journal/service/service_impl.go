package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bizsuite/internal/clock"
	"github.com/smallbiznis/bizsuite/internal/journal/domain"
	obscontext "github.com/smallbiznis/bizsuite/internal/observability/context"
	"github.com/smallbiznis/bizsuite/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 250
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("journal.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Append(ctx context.Context, tx *gorm.DB, entries ...*domain.Entry) error {
	if tx == nil {
		tx = s.db
	}
	now := s.clock.Now().UTC()
	actor := actorFromContext(ctx)

	for _, entry := range entries {
		if entry == nil {
			continue
		}
		if entry.TenantID == 0 {
			return domain.ErrInvalidTenant
		}
		if _, ok := domain.ParseKind(string(entry.Kind)); !ok {
			return domain.ErrInvalidKind
		}
		if entry.Amount < 0 {
			return domain.ErrInvalidAmount
		}
		if entry.ID == 0 {
			entry.ID = s.genID.Generate()
		}
		if entry.OccurredAt.IsZero() {
			entry.OccurredAt = now
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		if strings.TrimSpace(entry.Actor) == "" {
			entry.Actor = actor
		}

		if err := s.repo.Insert(ctx, tx, entry); err != nil {
			s.log.Warn("failed to write journal entry",
				zap.String("kind", string(entry.Kind)),
				zap.String("allocation_id", entry.AllocationID.String()),
				zap.Error(err),
			)
			return err
		}
	}
	return nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	if req.TenantID == 0 {
		return domain.ListResponse{}, domain.ErrInvalidTenant
	}
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return domain.ListResponse{}, domain.ErrInvalidTimeRange
	}

	var kind domain.Kind
	if raw := strings.TrimSpace(req.Kind); raw != "" {
		parsed, ok := domain.ParseKind(raw)
		if !ok {
			return domain.ListResponse{}, domain.ErrInvalidKind
		}
		kind = parsed
	}

	var cursor *domain.Cursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return domain.ListResponse{}, domain.ErrInvalidPageToken
		}
		cursor = &domain.Cursor{ID: id, CreatedAt: createdAt}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		TenantID:     req.TenantID,
		EntityID:     req.EntityID,
		AllocationID: req.AllocationID,
		Kind:         kind,
		StartAt:      req.StartAt,
		EndAt:        req.EndAt,
		Cursor:       cursor,
		Limit:        pageSize,
	})
	if err != nil {
		return domain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *domain.Entry) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo.HasMore {
		items = items[:pageSize]
	} else {
		pageInfo.NextPageToken = ""
	}

	resp := domain.ListResponse{
		PageInfo: *pageInfo,
		Entries:  make([]domain.Entry, 0, len(items)),
	}
	for _, item := range items {
		if item == nil {
			continue
		}
		resp.Entries = append(resp.Entries, *item)
	}
	return resp, nil
}

func actorFromContext(ctx context.Context) string {
	actorType, actorID := obscontext.ActorFromContext(ctx)
	switch {
	case actorType != "" && actorID != "":
		return actorType + ":" + actorID
	case actorType != "":
		return actorType
	default:
		return "system"
	}
}
