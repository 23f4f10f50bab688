package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/bizsuite/internal/config"
	"github.com/smallbiznis/bizsuite/internal/credit/domain"
	journaldomain "github.com/smallbiznis/bizsuite/internal/journal/domain"
	tenantdomain "github.com/smallbiznis/bizsuite/internal/tenant/domain"
	"github.com/smallbiznis/bizsuite/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletePurchaseGrantsCreditsOnce(t *testing.T) {
	h := newHarness(t, config.DefaultCreditPolicy())
	ctx := context.Background()

	req := domain.PurchaseRequest{
		TenantID:              h.tenant.ID,
		ExternalTransactionID: "stripe_tx_1",
		CreditAmount:          500,
	}

	first, err := h.credits.CompletePurchase(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, domain.PurchaseStatusCompleted, first.Purchase.Status)
	assert.Equal(t, domain.CreditTypePaid, first.Allocation.CreditType)
	assert.Equal(t, domain.AllocationTypeBulk, first.Allocation.AllocationType)
	assert.Equal(t, h.root.ID, first.Allocation.SourceEntityID)
	require.NotNil(t, first.Purchase.AllocationID)
	assert.Equal(t, first.Allocation.ID, *first.Purchase.AllocationID)
	require.NotNil(t, first.Allocation.ExpiresAt)
	assert.True(t, first.Allocation.ExpiresAt.Equal(testEpoch.AddDate(0, 0, 365)))

	second, err := h.credits.CompletePurchase(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Allocation.ID, second.Allocation.ID)

	balance := h.balance(t, 0)
	assert.Equal(t, int64(500), balance.PaidCredits)
	assert.Equal(t, int64(500), balance.AvailableCredits)
	assert.Equal(t, int64(1), h.count(t, `SELECT COUNT(1) FROM credit_allocations`))
	assert.Equal(t, int64(1), h.count(t, `SELECT COUNT(1) FROM credit_purchases`))

	history, err := h.credits.ListTransactions(ctx, journaldomain.ListRequest{TenantID: h.tenant.ID})
	require.NoError(t, err)
	require.Len(t, history.Entries, 1)
	assert.Equal(t, journaldomain.ReferencePurchase, history.Entries[0].ReferenceType)
	assert.Equal(t, "stripe_tx_1", history.Entries[0].ReferenceID)
}

func TestCompletePurchaseRecordsFailureForReconciliation(t *testing.T) {
	h := newHarness(t, config.DefaultCreditPolicy())
	ctx := context.Background()

	_, err := h.credits.CompletePurchase(ctx, domain.PurchaseRequest{
		TenantID:              h.tenant.ID,
		EntityID:              h.node.Generate(),
		ExternalTransactionID: "stripe_tx_lost",
		CreditAmount:          300,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPurchaseProcessing)
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)

	var processing *domain.PurchaseProcessingError
	require.True(t, errors.As(err, &processing))
	assert.Equal(t, "stripe_tx_lost", processing.ExternalTransactionID)

	failed, err := h.credits.ListPurchases(ctx, domain.ListPurchasesRequest{
		TenantID: h.tenant.ID,
		Status:   string(domain.PurchaseStatusFailed),
	})
	require.NoError(t, err)
	require.Len(t, failed.Purchases, 1)
	assert.Equal(t, "stripe_tx_lost", failed.Purchases[0].ExternalTransactionID)
	require.NotNil(t, failed.Purchases[0].FailureReason)
	assert.NotEmpty(t, *failed.Purchases[0].FailureReason)
	assert.Zero(t, h.count(t, `SELECT COUNT(1) FROM credit_allocations`))

	// redelivery after the entity problem is fixed completes the same record
	result, err := h.credits.CompletePurchase(ctx, domain.PurchaseRequest{
		TenantID:              h.tenant.ID,
		ExternalTransactionID: "stripe_tx_lost",
		CreditAmount:          300,
	})
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, domain.PurchaseStatusCompleted, result.Purchase.Status)
	assert.Nil(t, result.Purchase.FailureReason)
	assert.Equal(t, int64(1), h.count(t, `SELECT COUNT(1) FROM credit_purchases`))
	assert.Equal(t, int64(300), h.balance(t, 0).PaidCredits)
}

func TestCompletePurchaseRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, config.DefaultCreditPolicy())

	_, err := h.credits.CompletePurchase(context.Background(), domain.PurchaseRequest{
		TenantID:              h.tenant.ID,
		ExternalTransactionID: "stripe_tx_zero",
		CreditAmount:          0,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.credits.CompletePurchase(context.Background(), domain.PurchaseRequest{
		TenantID:     h.tenant.ID,
		CreditAmount: 10,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Zero(t, h.count(t, `SELECT COUNT(1) FROM credit_purchases`))
}

func TestCompletePurchaseKeepsRecordsIsolatedByTenant(t *testing.T) {
	h := newHarness(t, config.DefaultCreditPolicy())
	ctx := context.Background()

	_, err := h.credits.CompletePurchase(ctx, domain.PurchaseRequest{
		TenantID:              h.tenant.ID,
		EntityID:              h.node.Generate(),
		ExternalTransactionID: "tx_shared",
		CreditAmount:          80,
	})
	require.ErrorIs(t, err, domain.ErrPurchaseProcessing)

	stored, err := h.credits.ListPurchases(ctx, domain.ListPurchasesRequest{TenantID: h.tenant.ID})
	require.NoError(t, err)
	require.Len(t, stored.Purchases, 1)
	require.NotNil(t, stored.Purchases[0].FailureReason)
	ownerReason := *stored.Purchases[0].FailureReason
	ownerUpdated := stored.Purchases[0].UpdatedAt

	other, err := h.tenants.Create(ctx, tenantdomain.CreateTenantRequest{Name: "Globex"})
	require.NoError(t, err)
	h.clock.Advance(time.Minute)

	// a bad entity from the other tenant must not be recorded against the owner
	_, err = h.credits.CompletePurchase(ctx, domain.PurchaseRequest{
		TenantID:              other.Tenant.ID,
		EntityID:              h.node.Generate(),
		ExternalTransactionID: "tx_shared",
		CreditAmount:          80,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.NotErrorIs(t, err, domain.ErrPurchaseProcessing)

	// an unknown tenant gets the same answer
	_, err = h.credits.CompletePurchase(ctx, domain.PurchaseRequest{
		TenantID:              h.node.Generate(),
		ExternalTransactionID: "tx_shared",
		CreditAmount:          80,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	stored, err = h.credits.ListPurchases(ctx, domain.ListPurchasesRequest{TenantID: h.tenant.ID})
	require.NoError(t, err)
	require.Len(t, stored.Purchases, 1)
	assert.Equal(t, domain.PurchaseStatusFailed, stored.Purchases[0].Status)
	require.NotNil(t, stored.Purchases[0].FailureReason)
	assert.Equal(t, ownerReason, *stored.Purchases[0].FailureReason)
	assert.True(t, stored.Purchases[0].UpdatedAt.Equal(ownerUpdated))

	foreign, err := h.credits.ListPurchases(ctx, domain.ListPurchasesRequest{TenantID: other.Tenant.ID})
	require.NoError(t, err)
	assert.Empty(t, foreign.Purchases)
	assert.Equal(t, int64(1), h.count(t, `SELECT COUNT(1) FROM credit_purchases`))
}

func TestCompletePurchaseRejectsPastExpiry(t *testing.T) {
	h := newHarness(t, config.DefaultCreditPolicy())
	past := testEpoch.Add(-time.Hour)

	_, err := h.credits.CompletePurchase(context.Background(), domain.PurchaseRequest{
		TenantID:              h.tenant.ID,
		ExternalTransactionID: "stripe_tx_stale",
		CreditAmount:          25,
		ExpiresAt:             &past,
	})
	var validation *domain.ValidationError
	require.True(t, errors.As(err, &validation))
	assert.Equal(t, "expires_at", validation.Field)
	assert.NotErrorIs(t, err, domain.ErrPurchaseProcessing)
	assert.Zero(t, h.count(t, `SELECT COUNT(1) FROM credit_purchases`))
}

func TestCompletePurchaseHonorsExplicitExpiry(t *testing.T) {
	h := newHarness(t, config.DefaultCreditPolicy())
	expiresAt := testEpoch.Add(10 * 24 * time.Hour)

	result, err := h.credits.CompletePurchase(context.Background(), domain.PurchaseRequest{
		TenantID:              h.tenant.ID,
		ExternalTransactionID: "stripe_tx_expiring",
		CreditAmount:          40,
		CreditType:            domain.CreditTypeFree,
		ExpiresAt:             &expiresAt,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CreditTypeFree, result.Allocation.CreditType)
	require.NotNil(t, result.Allocation.ExpiresAt)
	assert.True(t, result.Allocation.ExpiresAt.Equal(expiresAt))
}

func TestListPurchasesPaginates(t *testing.T) {
	h := newHarness(t, config.DefaultCreditPolicy())
	ctx := context.Background()

	for _, id := range []string{"tx_a", "tx_b", "tx_c"} {
		_, err := h.credits.CompletePurchase(ctx, domain.PurchaseRequest{
			TenantID:              h.tenant.ID,
			ExternalTransactionID: id,
			CreditAmount:          10,
		})
		require.NoError(t, err)
		h.clock.Advance(time.Minute)
	}

	page, err := h.credits.ListPurchases(ctx, domain.ListPurchasesRequest{
		TenantID:   h.tenant.ID,
		Pagination: pagination.Pagination{PageSize: 2},
	})
	require.NoError(t, err)
	require.Len(t, page.Purchases, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "tx_c", page.Purchases[0].ExternalTransactionID)
	assert.Equal(t, "tx_b", page.Purchases[1].ExternalTransactionID)

	next, err := h.credits.ListPurchases(ctx, domain.ListPurchasesRequest{
		TenantID:   h.tenant.ID,
		Pagination: pagination.Pagination{PageSize: 2, PageToken: page.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, next.Purchases, 1)
	assert.False(t, next.HasMore)
	assert.Empty(t, next.NextPageToken)
	assert.Equal(t, "tx_a", next.Purchases[0].ExternalTransactionID)

	_, err = h.credits.ListPurchases(ctx, domain.ListPurchasesRequest{
		TenantID:   h.tenant.ID,
		Pagination: pagination.Pagination{PageToken: "not-a-token"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)

	_, err = h.credits.ListPurchases(ctx, domain.ListPurchasesRequest{TenantID: h.tenant.ID, Status: "refunded"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
