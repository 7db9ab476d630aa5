package services

import (
	"context"
	"errors"
	"testing"

	"bidstream/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRuleStore struct {
	rules *domain.BidValidationRules
	err   error
	loads int
}

func (s *staticRuleStore) LoadRules(context.Context) (*domain.BidValidationRules, error) {
	s.loads++
	return s.rules, s.err
}

func TestBandIncrementPolicy_DefaultBands(t *testing.T) {
	p := NewBandIncrementPolicy(nil)

	tests := []struct {
		current string
		want    string
	}{
		{"0", "5"},
		{"99.99", "5"},
		{"100", "10"},
		{"499.99", "10"},
		{"500", "25"},
		{"10000", "25"},
	}
	for _, tt := range tests {
		got := p.MinIncrement(decimal.RequireFromString(tt.current))
		assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "current %s: got %s", tt.current, got)
	}

	assert.True(t, p.MinimumBid(decimal.NewFromInt(100)).Equal(decimal.NewFromInt(110)))
}

func TestBandIncrementPolicy_MissingBandFallsBack(t *testing.T) {
	p := NewBandIncrementPolicy(&domain.BidValidationRules{Rules: map[string]float64{"0-100": 1.5}})

	assert.True(t, p.MinIncrement(decimal.NewFromInt(50)).Equal(decimal.RequireFromString("1.5")))
	assert.True(t, p.MinIncrement(decimal.NewFromInt(200)).Equal(decimal.NewFromInt(5)))
}

func TestBandIncrementPolicy_Reload(t *testing.T) {
	p := NewBandIncrementPolicy(nil)
	store := &staticRuleStore{rules: &domain.BidValidationRules{Rules: map[string]float64{
		"0-100": 1, "100-500": 2, "500+": 3,
	}}}

	require.NoError(t, p.Reload(context.Background(), store))
	assert.True(t, p.MinIncrement(decimal.NewFromInt(600)).Equal(decimal.NewFromInt(3)))

	store.err = errors.New("redis down")
	store.rules = nil
	assert.Error(t, p.Reload(context.Background(), store))
	assert.True(t, p.MinIncrement(decimal.NewFromInt(600)).Equal(decimal.NewFromInt(3)), "failed reload keeps the last rules")
}
