package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/bizsuite/internal/clock"
	"github.com/smallbiznis/bizsuite/internal/config"
	"github.com/smallbiznis/bizsuite/internal/credit/domain"
	creditrepo "github.com/smallbiznis/bizsuite/internal/credit/repository"
	creditservice "github.com/smallbiznis/bizsuite/internal/credit/service"
	entitydomain "github.com/smallbiznis/bizsuite/internal/entity/domain"
	entityrepo "github.com/smallbiznis/bizsuite/internal/entity/repository"
	entityservice "github.com/smallbiznis/bizsuite/internal/entity/service"
	"github.com/smallbiznis/bizsuite/internal/events"
	journaldomain "github.com/smallbiznis/bizsuite/internal/journal/domain"
	journalrepo "github.com/smallbiznis/bizsuite/internal/journal/repository"
	journalservice "github.com/smallbiznis/bizsuite/internal/journal/service"
	"github.com/smallbiznis/bizsuite/internal/migration"
	tenantdomain "github.com/smallbiznis/bizsuite/internal/tenant/domain"
	tenantrepo "github.com/smallbiznis/bizsuite/internal/tenant/repository"
	tenantservice "github.com/smallbiznis/bizsuite/internal/tenant/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testEpoch = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

type harness struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	node     *snowflake.Node
	credits  domain.Service
	entities entitydomain.Resolver
	journal  journaldomain.Service
	tenants  tenantdomain.Service
	logs     *observer.ObservedLogs

	tenant tenantdomain.Tenant
	root   entitydomain.Entity
}

func newHarness(t *testing.T, policy config.CreditPolicy) *harness {
	t.Helper()
	return newHarnessWithDB(t, setupTestDB(t), policy)
}

func newHarnessWithDB(t *testing.T, db *gorm.DB, policy config.CreditPolicy) *harness {
	t.Helper()

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)
	clk := clock.NewFakeClock(testEpoch)
	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core)

	entities := entityservice.NewService(entityservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Repo:  entityrepo.Provide(),
	})
	journal := journalservice.NewService(journalservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Repo:  journalrepo.Provide(),
	})
	credits := creditservice.NewService(creditservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Config: config.Config{Credit: config.CreditConfig{
			ConsumeMaxRetries:    3,
			RetryInitialInterval: time.Millisecond,
			RetryMaxInterval:     5 * time.Millisecond,
		}},
		Policy:   config.NewStaticCreditPolicyHolder(policy),
		Repo:     creditrepo.Provide(),
		Entities: entities,
		Journal:  journal,
		Outbox:   events.NewOutbox(events.OutboxParams{GenID: node, Clock: clk}),
	})
	tenants := tenantservice.NewService(tenantservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     tenantrepo.Provide(),
		Entities: entities,
	})

	created, err := tenants.Create(context.Background(), tenantdomain.CreateTenantRequest{Name: "Acme"})
	require.NoError(t, err)

	return &harness{
		db:       db,
		clock:    clk,
		node:     node,
		credits:  credits,
		entities: entities,
		journal:  journal,
		tenants:  tenants,
		logs:     logs,
		tenant:   created.Tenant,
		root:     created.RootEntity,
	}
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// a single connection keeps the in-memory database alive and serializes writers
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, migration.AutoMigrate(db))
	return db
}

func (h *harness) child(t *testing.T, parentID snowflake.ID, name string) *entitydomain.Entity {
	t.Helper()
	entity, err := h.entities.Create(context.Background(), entitydomain.CreateEntityRequest{
		TenantID:       h.tenant.ID,
		ParentEntityID: parentID,
		EntityType:     "department",
		Name:           name,
	})
	require.NoError(t, err)
	return entity
}

func (h *harness) allocate(t *testing.T, req domain.AllocateRequest) *domain.Allocation {
	t.Helper()
	if req.TenantID == 0 {
		req.TenantID = h.tenant.ID
	}
	if req.AllocationType == "" {
		req.AllocationType = domain.AllocationTypeBulk
	}
	allocation, err := h.credits.Allocate(context.Background(), req)
	require.NoError(t, err)
	return allocation
}

func (h *harness) consume(entityID snowflake.ID, amount int64, operationID string) (*domain.ConsumeResult, error) {
	return h.credits.Consume(context.Background(), domain.ConsumeRequest{
		TenantID:      h.tenant.ID,
		EntityID:      entityID,
		Amount:        amount,
		OperationCode: "crm.leads.create",
		OperationID:   operationID,
		InitiatedBy:   "user:42",
	})
}

func (h *harness) balance(t *testing.T, entityID snowflake.ID) *domain.Balance {
	t.Helper()
	balance, err := h.credits.GetBalance(context.Background(), domain.BalanceRequest{
		TenantID: h.tenant.ID,
		EntityID: entityID,
	})
	require.NoError(t, err)
	return balance
}

func (h *harness) count(t *testing.T, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Raw(query, args...).Scan(&n).Error)
	return n
}

func (h *harness) expiresIn(d time.Duration) *time.Time {
	at := h.clock.Now().Add(d)
	return &at
}

// assertLedgerConsistent checks every allocation's running balance against the
// consumption lines recorded for it.
func assertLedgerConsistent(t *testing.T, db *gorm.DB) {
	t.Helper()

	var allocations []domain.Allocation
	require.NoError(t, db.Find(&allocations).Error)
	for _, allocation := range allocations {
		assert.GreaterOrEqual(t, allocation.UsedCredits, int64(0), "allocation %s", allocation.ID)
		assert.LessOrEqual(t, allocation.UsedCredits, allocation.AllocatedCredits, "allocation %s", allocation.ID)
		assert.Equal(t, allocation.AllocatedCredits-allocation.UsedCredits, allocation.AvailableCredits, "allocation %s", allocation.ID)

		var drawn int64
		require.NoError(t, db.Raw(
			`SELECT COALESCE(SUM(amount), 0) FROM credit_consumption_lines WHERE allocation_id = ?`,
			allocation.ID,
		).Scan(&drawn).Error)
		assert.Equal(t, allocation.UsedCredits, drawn, "allocation %s", allocation.ID)
	}
}

func TestAllocateRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, config.DefaultCreditPolicy())
	past := testEpoch.Add(-time.Hour)

	tests := []struct {
		name string
		req  domain.AllocateRequest
		want error
	}{
		{
			name: "zero amount",
			req:  domain.AllocateRequest{Amount: 0, CreditType: domain.CreditTypeFree},
			want: domain.ErrValidation,
		},
		{
			name: "unknown credit type",
			req:  domain.AllocateRequest{Amount: 10, CreditType: "gold"},
			want: domain.ErrValidation,
		},
		{
			name: "unknown allocation type",
			req:  domain.AllocateRequest{Amount: 10, CreditType: domain.CreditTypeFree, AllocationType: "gift"},
			want: domain.ErrValidation,
		},
		{
			name: "expiry in the past",
			req:  domain.AllocateRequest{Amount: 10, CreditType: domain.CreditTypeFree, ExpiresAt: &past},
			want: domain.ErrValidation,
		},
		{
			name: "malformed restrictions",
			req: domain.AllocateRequest{
				Amount:       10,
				CreditType:   domain.CreditTypeFree,
				Restrictions: []byte(`{"kind":"allow"}`),
			},
			want: domain.ErrValidation,
		},
		{
			name: "entity of another tenant",
			req:  domain.AllocateRequest{EntityID: snowflake.ID(99), Amount: 10, CreditType: domain.CreditTypeFree},
			want: domain.ErrEntityNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.TenantID = h.tenant.ID
			if req.AllocationType == "" {
				req.AllocationType = domain.AllocationTypeBulk
			}
			_, err := h.credits.Allocate(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Zero(t, h.count(t, `SELECT COUNT(1) FROM credit_allocations`))
	assert.Zero(t, h.count(t, `SELECT COUNT(1) FROM credit_journal`))
	assert.Zero(t, h.count(t, `SELECT COUNT(1) FROM credit_events`))
}

func TestAllocateWritesJournalAndEvent(t *testing.T) {
	h := newHarness(t, config.DefaultCreditPolicy())

	allocation := h.allocate(t, domain.AllocateRequest{
		Amount:            250,
		CreditType:        domain.CreditTypePaid,
		TargetApplication: "crm",
		Purpose:           "welcome bonus",
		AllocatedBy:       "admin:1",
		ExpiresAt:         h.expiresIn(48 * time.Hour),
	})

	assert.Equal(t, h.root.ID, allocation.SourceEntityID, "zero entity resolves to the tenant root")
	assert.Equal(t, int64(250), allocation.AvailableCredits)
	assert.Zero(t, allocation.UsedCredits)
	assert.True(t, allocation.IsActive)
	require.NotNil(t, allocation.TargetApplication)
	assert.Equal(t, "crm", *allocation.TargetApplication)

	stored, err := h.credits.GetAllocation(context.Background(), h.tenant.ID, allocation.ID)
	require.NoError(t, err)
	assert.Equal(t, allocation.AllocatedCredits, stored.AllocatedCredits)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, stored.ExpiresAt.Equal(*allocation.ExpiresAt))

	history, err := h.credits.ListTransactions(context.Background(), journaldomain.ListRequest{TenantID: h.tenant.ID})
	require.NoError(t, err)
	require.Len(t, history.Entries, 1)
	entry := history.Entries[0]
	assert.Equal(t, journaldomain.KindAllocated, entry.Kind)
	assert.Equal(t, int64(250), entry.Amount)
	assert.Equal(t, journaldomain.ReferenceAllocation, entry.ReferenceType)
	assert.Equal(t, allocation.ID.String(), entry.ReferenceID)
	assert.Equal(t, "admin:1", entry.Actor)

	assert.Equal(t, int64(1), h.count(t,
		`SELECT COUNT(1) FROM credit_events WHERE event_type = ? AND dedupe_key = ?`,
		events.EventCreditAllocated, events.EventCreditAllocated+":"+allocation.ID.String(),
	))
}
