package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/bizsuite/internal/clock"
	"github.com/smallbiznis/bizsuite/internal/entity/domain"
	"github.com/smallbiznis/bizsuite/internal/entity/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestResolver(t *testing.T) (domain.Resolver, *gorm.DB, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&domain.Entity{}))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	resolver := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
	})
	return resolver, db, node
}

func ensureRoot(t *testing.T, resolver domain.Resolver, db *gorm.DB, tenantID snowflake.ID) *domain.Entity {
	t.Helper()
	var root *domain.Entity
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		root, err = resolver.EnsureRootTx(context.Background(), tx, tenantID, "Acme Corp")
		return err
	})
	require.NoError(t, err)
	return root
}

func TestEnsureRootIsIdempotent(t *testing.T) {
	resolver, db, node := newTestResolver(t)
	tenantID := node.Generate()

	first := ensureRoot(t, resolver, db, tenantID)
	second := ensureRoot(t, resolver, db, tenantID)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.IsRoot())
	assert.True(t, first.IsDefault)
	assert.Equal(t, domain.EntityTypeOrganization, first.EntityType)
	assert.Equal(t, "/acme-corp", first.Path)

	root, err := resolver.Root(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, root.ID)

	_, err = resolver.Root(context.Background(), node.Generate())
	assert.ErrorIs(t, err, domain.ErrRootNotFound)
}

func TestCreateBuildsMaterializedPaths(t *testing.T) {
	resolver, db, node := newTestResolver(t)
	ctx := context.Background()
	tenantID := node.Generate()
	root := ensureRoot(t, resolver, db, tenantID)

	sales, err := resolver.Create(ctx, domain.CreateEntityRequest{
		TenantID:       tenantID,
		ParentEntityID: root.ID,
		EntityType:     "department",
		Name:           "Sales",
	})
	require.NoError(t, err)
	assert.Equal(t, "/acme-corp/sales", sales.Path)

	emea, err := resolver.Create(ctx, domain.CreateEntityRequest{
		TenantID:       tenantID,
		ParentEntityID: sales.ID,
		EntityType:     "team",
		Name:           "EMEA Team",
	})
	require.NoError(t, err)
	assert.Equal(t, "/acme-corp/sales/emea-team", emea.Path)

	ancestors, err := resolver.Ancestors(ctx, tenantID, emea.ID)
	require.NoError(t, err)
	require.Len(t, ancestors, 2)
	ids := []snowflake.ID{ancestors[0].ID, ancestors[1].ID}
	assert.ElementsMatch(t, []snowflake.ID{root.ID, sales.ID}, ids)

	descendants, err := resolver.Descendants(ctx, tenantID, root.ID)
	require.NoError(t, err)
	assert.Len(t, descendants, 2)

	below, err := resolver.IsDescendantTx(ctx, db, tenantID, root.ID, emea.ID)
	require.NoError(t, err)
	assert.True(t, below)

	above, err := resolver.IsDescendantTx(ctx, db, tenantID, emea.ID, root.ID)
	require.NoError(t, err)
	assert.False(t, above)

	_, err = resolver.Create(ctx, domain.CreateEntityRequest{
		TenantID:       tenantID,
		ParentEntityID: root.ID,
		EntityType:     "department",
		Name:           "Sales",
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateEntity)
}

func TestCreateValidatesInput(t *testing.T) {
	resolver, db, node := newTestResolver(t)
	ctx := context.Background()
	tenantID := node.Generate()
	root := ensureRoot(t, resolver, db, tenantID)

	tests := []struct {
		name string
		req  domain.CreateEntityRequest
		want error
	}{
		{
			name: "missing tenant",
			req:  domain.CreateEntityRequest{ParentEntityID: root.ID, EntityType: "team", Name: "A"},
			want: domain.ErrInvalidTenant,
		},
		{
			name: "blank name",
			req:  domain.CreateEntityRequest{TenantID: tenantID, ParentEntityID: root.ID, EntityType: "team", Name: " "},
			want: domain.ErrInvalidName,
		},
		{
			name: "second organization",
			req:  domain.CreateEntityRequest{TenantID: tenantID, ParentEntityID: root.ID, EntityType: "organization", Name: "Other"},
			want: domain.ErrInvalidEntityType,
		},
		{
			name: "parent from another tenant",
			req:  domain.CreateEntityRequest{TenantID: node.Generate(), ParentEntityID: root.ID, EntityType: "team", Name: "B"},
			want: domain.ErrInvalidParent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolver.Create(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGetScopesByTenant(t *testing.T) {
	resolver, db, node := newTestResolver(t)
	tenantID := node.Generate()
	root := ensureRoot(t, resolver, db, tenantID)

	got, err := resolver.Get(context.Background(), tenantID, root.ID)
	require.NoError(t, err)
	assert.Equal(t, root.Path, got.Path)

	_, err = resolver.Get(context.Background(), node.Generate(), root.ID)
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)
}

func TestPathPrefixes(t *testing.T) {
	assert.Equal(t, []string{"/a", "/a/b"}, domain.PathPrefixes("/a/b/c"))
	assert.Nil(t, domain.PathPrefixes("/a"))
}
