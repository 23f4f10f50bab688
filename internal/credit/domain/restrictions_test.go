package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRestrictions(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Restrictions
		wantErr bool
	}{
		{name: "empty", raw: "", want: NoRestrictions()},
		{name: "null", raw: "null", want: NoRestrictions()},
		{name: "empty string", raw: `""`, want: NoRestrictions()},
		{name: "object without kind", raw: `{}`, want: NoRestrictions()},
		{
			name: "allow object",
			raw:  `{"kind":"allow","operations":["crm.*"," hr.leave.approve "]}`,
			want: Restrictions{Kind: RestrictionAllow, Operations: []string{"crm.*", "hr.leave.approve"}},
		},
		{
			name: "deny inside string",
			raw:  `"{\"kind\":\"DENY\",\"operations\":[\"hr.payroll.run\"]}"`,
			want: Restrictions{Kind: RestrictionDeny, Operations: []string{"hr.payroll.run"}},
		},
		{name: "allow without operations", raw: `{"kind":"allow","operations":[]}`, wantErr: true},
		{name: "operations without kind", raw: `{"operations":["crm.*"]}`, wantErr: true},
		{name: "unknown kind", raw: `{"kind":"maybe","operations":["crm.*"]}`, wantErr: true},
		{name: "array", raw: `["crm.*"]`, wantErr: true},
		{name: "string without object", raw: `"crm.*"`, wantErr: true},
		{name: "broken json", raw: `{"kind":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRestrictions([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRestrictionsPermits(t *testing.T) {
	allow := Restrictions{Kind: RestrictionAllow, Operations: []string{"crm.*", "hr.leave.approve"}}
	assert.True(t, allow.Permits("crm.leads.create"))
	assert.True(t, allow.Permits("hr.leave.approve"))
	assert.False(t, allow.Permits("hr.payroll.run"))
	assert.False(t, allow.Permits("crmx.leads"), "prefix match requires the dot")

	deny := Restrictions{Kind: RestrictionDeny, Operations: []string{"hr.payroll.run"}}
	assert.False(t, deny.Permits("hr.payroll.run"))
	assert.True(t, deny.Permits("crm.leads.create"))

	assert.True(t, NoRestrictions().Permits("anything"))
}

func TestRestrictionsJSONRoundTripsThroughParse(t *testing.T) {
	assert.Nil(t, NoRestrictions().JSON())

	original := Restrictions{Kind: RestrictionAllow, Operations: []string{"crm.*"}}
	parsed, err := ParseRestrictions(original.JSON())
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestAllocationSpendable(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	assert.True(t, Allocation{IsActive: true, AvailableCredits: 1}.Spendable(now))
	assert.True(t, Allocation{IsActive: true, AvailableCredits: 1, ExpiresAt: &now}.Spendable(now))
	assert.True(t, Allocation{IsActive: true, AvailableCredits: 1, ExpiresAt: &future}.Spendable(now))
	assert.False(t, Allocation{IsActive: true, AvailableCredits: 1, ExpiresAt: &past}.Spendable(now))
	assert.False(t, Allocation{IsActive: false, AvailableCredits: 1}.Spendable(now))
	assert.False(t, Allocation{IsActive: true, AvailableCredits: 0}.Spendable(now))
}

func TestErrorsMatchSentinels(t *testing.T) {
	insufficient := &InsufficientCreditsError{Required: 900, Available: 800}
	assert.ErrorIs(t, insufficient, ErrInsufficientCredits)
	assert.Equal(t, int64(100), insufficient.Shortfall())
	assert.Contains(t, insufficient.Error(), "need 100 more")

	processing := &PurchaseProcessingError{ExternalTransactionID: "tx", Err: &EntityNotFoundError{}}
	assert.ErrorIs(t, processing, ErrPurchaseProcessing)
	assert.ErrorIs(t, processing, ErrEntityNotFound)

	assert.ErrorIs(t, NewValidationError("amount", "must be positive"), ErrValidation)
	assert.EqualError(t, NewValidationError("amount", "must be positive"), "invalid amount: must be positive")
}
