package services

import (
	"context"
	"sync"

	"bidstream/internal/domain"
	"bidstream/pkg/logger"

	"github.com/robfig/cron/v3"
)

const DefaultRefreshSchedule = "@every 1m"

// RuleRefresher reloads increment rules from the rule store on a cron schedule.
type RuleRefresher struct {
	cron     *cron.Cron
	store    domain.RuleStore
	policy   *BandIncrementPolicy
	schedule string
	log      logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewRuleRefresher(store domain.RuleStore, policy *BandIncrementPolicy, schedule string,
	log logger.Logger) *RuleRefresher {
	if schedule == "" {
		schedule = DefaultRefreshSchedule
	}
	return &RuleRefresher{
		cron:     cron.New(cron.WithSeconds()),
		store:    store,
		policy:   policy,
		schedule: schedule,
		log:      log,
	}
}

// Start loads the rules once, then keeps refreshing them until Stop. A failed
// first load keeps the current rules and is only logged.
func (r *RuleRefresher) Start(ctx context.Context) error {
	r.log.Info("Starting rule refresher", "schedule", r.schedule)

	ctx, cancel := context.WithCancel(ctx)
	r.refresh(ctx)

	if _, err := r.cron.AddFunc(r.schedule, func() {
		r.refresh(ctx)
	}); err != nil {
		cancel()
		return err
	}

	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running refresh to return.
func (r *RuleRefresher) Stop() error {
	r.log.Info("Stopping rule refresher")
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()
	<-r.cron.Stop().Done()
	return nil
}

func (r *RuleRefresher) refresh(ctx context.Context) {
	if err := r.policy.Reload(ctx, r.store); err != nil {
		r.log.Error("Failed to refresh bid rules", "error", err)
		return
	}
	r.log.Debug("Bid rules refreshed")
}
