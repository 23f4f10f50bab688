package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/bizsuite/internal/clock"
	"github.com/smallbiznis/bizsuite/internal/journal/domain"
	"github.com/smallbiznis/bizsuite/internal/journal/repository"
	obscontext "github.com/smallbiznis/bizsuite/internal/observability/context"
	"github.com/smallbiznis/bizsuite/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestJournal(t *testing.T) (domain.Service, *gorm.DB, *clock.FakeClock, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&domain.Entry{}))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	})
	return svc, db, clk, node
}

func TestAppendFillsDefaults(t *testing.T) {
	svc, db, clk, node := newTestJournal(t)
	tenantID := node.Generate()

	entry := &domain.Entry{TenantID: tenantID, AllocationID: node.Generate(), Kind: domain.KindAllocated, Amount: 50}
	require.NoError(t, svc.Append(context.Background(), db, entry))

	assert.NotZero(t, entry.ID)
	assert.Equal(t, "system", entry.Actor)
	assert.True(t, entry.OccurredAt.Equal(clk.Now()))
	assert.True(t, entry.CreatedAt.Equal(clk.Now()))

	ctx := obscontext.WithActor(context.Background(), "user", "42")
	consumed := &domain.Entry{TenantID: tenantID, AllocationID: entry.AllocationID, Kind: domain.KindConsumed, Amount: 20}
	require.NoError(t, svc.Append(ctx, nil, consumed))
	assert.Equal(t, "user:42", consumed.Actor)

	explicit := &domain.Entry{TenantID: tenantID, Kind: domain.KindExpired, Amount: 30, Actor: "scheduler"}
	require.NoError(t, svc.Append(ctx, db, explicit))
	assert.Equal(t, "scheduler", explicit.Actor)

	var count int64
	require.NoError(t, db.Model(&domain.Entry{}).Where("tenant_id = ?", tenantID).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestAppendRejectsInvalidEntries(t *testing.T) {
	svc, db, _, node := newTestJournal(t)
	ctx := context.Background()

	err := svc.Append(ctx, db, &domain.Entry{Kind: domain.KindAllocated, Amount: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidTenant)

	err = svc.Append(ctx, db, &domain.Entry{TenantID: node.Generate(), Kind: "refunded", Amount: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidKind)

	err = svc.Append(ctx, db, &domain.Entry{TenantID: node.Generate(), Kind: domain.KindConsumed, Amount: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestAppendRollsBackWithTransaction(t *testing.T) {
	svc, db, _, node := newTestJournal(t)
	tenantID := node.Generate()

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.Append(context.Background(), tx,
			&domain.Entry{TenantID: tenantID, Kind: domain.KindAllocated, Amount: 10},
			&domain.Entry{TenantID: tenantID, Kind: "bogus", Amount: 10},
		)
	})
	assert.ErrorIs(t, err, domain.ErrInvalidKind)

	var count int64
	require.NoError(t, db.Model(&domain.Entry{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestListFiltersAndPages(t *testing.T) {
	svc, db, clk, node := newTestJournal(t)
	ctx := context.Background()
	tenantID := node.Generate()
	allocationID := node.Generate()

	for i := 1; i <= 4; i++ {
		kind := domain.KindConsumed
		if i == 1 {
			kind = domain.KindAllocated
		}
		require.NoError(t, svc.Append(ctx, db, &domain.Entry{
			TenantID:     tenantID,
			AllocationID: allocationID,
			Kind:         kind,
			Amount:       int64(i),
		}))
		clk.Advance(time.Minute)
	}
	require.NoError(t, svc.Append(ctx, db, &domain.Entry{TenantID: node.Generate(), Kind: domain.KindAllocated, Amount: 99}))

	consumed, err := svc.List(ctx, domain.ListRequest{TenantID: tenantID, Kind: "consumed"})
	require.NoError(t, err)
	require.Len(t, consumed.Entries, 3)
	assert.Equal(t, int64(4), consumed.Entries[0].Amount)
	assert.False(t, consumed.HasMore)

	first, err := svc.List(ctx, domain.ListRequest{
		TenantID:   tenantID,
		Pagination: pagination.Pagination{PageSize: 3},
	})
	require.NoError(t, err)
	require.Len(t, first.Entries, 3)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextPageToken)

	second, err := svc.List(ctx, domain.ListRequest{
		TenantID:   tenantID,
		Pagination: pagination.Pagination{PageSize: 3, PageToken: first.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, second.Entries, 1)
	assert.Equal(t, domain.KindAllocated, second.Entries[0].Kind)
	assert.Empty(t, second.NextPageToken)

	start := clk.Now().Add(-2*time.Minute - time.Second)
	recent, err := svc.List(ctx, domain.ListRequest{TenantID: tenantID, StartAt: &start})
	require.NoError(t, err)
	assert.Len(t, recent.Entries, 2)
}

func TestListValidatesRequest(t *testing.T) {
	svc, _, clk, node := newTestJournal(t)
	ctx := context.Background()

	_, err := svc.List(ctx, domain.ListRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidTenant)

	start := clk.Now()
	end := start.Add(-time.Hour)
	_, err = svc.List(ctx, domain.ListRequest{TenantID: node.Generate(), StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, domain.ErrInvalidTimeRange)

	_, err = svc.List(ctx, domain.ListRequest{
		TenantID:   node.Generate(),
		Pagination: pagination.Pagination{PageToken: "%%%"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}
