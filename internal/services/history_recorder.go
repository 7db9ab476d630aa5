package services

import (
	"context"
	"time"

	"bidstream/internal/domain"
	"bidstream/pkg/logger"
)

// HistoryRecorder persists published bid updates. Only the elected leader
// writes, so several recorder instances can run side by side.
type HistoryRecorder struct {
	subscriber domain.UpdateSubscriber
	repo       domain.BidRepository
	leader     domain.LeaderElection
	instanceID string
	log        logger.Logger
}

func NewHistoryRecorder(subscriber domain.UpdateSubscriber, repo domain.BidRepository,
	leader domain.LeaderElection, instanceID string, log logger.Logger) *HistoryRecorder {
	return &HistoryRecorder{
		subscriber: subscriber,
		repo:       repo,
		leader:     leader,
		instanceID: instanceID,
		log:        log,
	}
}

// Start blocks consuming updates until ctx ends.
func (r *HistoryRecorder) Start(ctx context.Context) error {
	r.log.Info("Starting history recorder", "instance_id", r.instanceID)

	return r.subscriber.SubscribeToBidUpdates(ctx, func(update domain.BidUpdate) error {
		return r.Record(ctx, update)
	})
}

// Record stores update if this instance is the leader.
func (r *HistoryRecorder) Record(ctx context.Context, update domain.BidUpdate) error {
	isLeader, err := r.leader.IsLeader(ctx, r.instanceID)
	if err != nil {
		return err
	}
	if !isLeader {
		return nil
	}

	r.log.Info("Storing bid update", "item_id", update.ItemID, "bidder_id", update.BidderID(),
		"amount", update.Amount.String(), "sequence", update.Sequence)
	return r.repo.SaveBidUpdate(ctx, update)
}

// Campaign keeps trying to become or stay leader until ctx ends, then releases.
func (r *HistoryRecorder) Campaign(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		isLeader, err := r.leader.BecomeLeader(ctx, r.instanceID)
		if err != nil && ctx.Err() == nil {
			r.log.Error("Leader election failed", "error", err)
		} else if isLeader {
			r.log.Debug("Holding recorder leadership", "instance_id", r.instanceID)
		}

		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := r.leader.ReleaseLeadership(releaseCtx, r.instanceID); err != nil {
				r.log.Warn("Failed to release leadership", "error", err)
			}
			return nil
		case <-ticker.C:
		}
	}
}
