package services

import (
	"context"
	"testing"

	"bidstream/internal/domain"
	"bidstream/pkg/logger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestRuleRefresher_LoadsOnStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &staticRuleStore{rules: &domain.BidValidationRules{Rules: map[string]float64{
		"0-100": 2, "100-500": 4, "500+": 8,
	}}}
	policy := NewBandIncrementPolicy(nil)
	r := NewRuleRefresher(store, policy, "@every 1h", logger.NewNop())

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, 1, store.loads)
	assert.True(t, policy.MinIncrement(decimal.NewFromInt(10)).Equal(decimal.NewFromInt(2)))
	require.NoError(t, r.Stop())
}

func TestRuleRefresher_BadSchedule(t *testing.T) {
	store := &staticRuleStore{rules: DefaultValidationRules()}
	r := NewRuleRefresher(store, NewBandIncrementPolicy(nil), "not a schedule", logger.NewNop())
	assert.Error(t, r.Start(context.Background()))
}
