package services

import (
	"context"
	"sync"

	"bidstream/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	bandLow  = "0-100"
	bandMid  = "100-500"
	bandHigh = "500+"
)

var (
	lowBandCeiling = decimal.NewFromInt(100)
	midBandCeiling = decimal.NewFromInt(500)
	fallbackStep   = decimal.NewFromInt(5)
)

// DefaultValidationRules mirrors what the bidding backend seeds when no rules
// are stored.
func DefaultValidationRules() *domain.BidValidationRules {
	return &domain.BidValidationRules{
		Rules: map[string]float64{
			bandLow:  5.0,
			bandMid:  10.0,
			bandHigh: 25.0,
		},
	}
}

// BandIncrementPolicy resolves the minimum increment from price-band rules.
// Rules can be swapped at runtime by the rule refresher.
type BandIncrementPolicy struct {
	mu    sync.RWMutex
	rules *domain.BidValidationRules
}

func NewBandIncrementPolicy(rules *domain.BidValidationRules) *BandIncrementPolicy {
	if rules == nil {
		rules = DefaultValidationRules()
	}
	return &BandIncrementPolicy{rules: rules}
}

func (p *BandIncrementPolicy) SetRules(rules *domain.BidValidationRules) {
	if rules == nil {
		return
	}
	p.mu.Lock()
	p.rules = rules
	p.mu.Unlock()
}

// Reload pulls the current rules from store and swaps them in.
func (p *BandIncrementPolicy) Reload(ctx context.Context, store domain.RuleStore) error {
	rules, err := store.LoadRules(ctx)
	if err != nil {
		return err
	}
	p.SetRules(rules)
	return nil
}

func (p *BandIncrementPolicy) MinIncrement(current decimal.Decimal) decimal.Decimal {
	p.mu.RLock()
	rules := p.rules
	p.mu.RUnlock()

	band := bandHigh
	if current.LessThan(lowBandCeiling) {
		band = bandLow
	} else if current.LessThan(midBandCeiling) {
		band = bandMid
	}

	step, ok := rules.Rules[band]
	if !ok || step <= 0 {
		return fallbackStep
	}
	return decimal.NewFromFloat(step).Round(amountPrecision)
}

func (p *BandIncrementPolicy) MinimumBid(current decimal.Decimal) decimal.Decimal {
	return current.Add(p.MinIncrement(current))
}
