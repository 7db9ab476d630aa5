package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"bidstream/internal/domain"
	"bidstream/pkg/logger"

	"github.com/go-redis/redis/v8"
)

type UpdateSubscriber struct {
	client  *redis.Client
	channel string
	log     logger.Logger
}

func NewUpdateSubscriber(client *redis.Client, log logger.Logger) *UpdateSubscriber {
	return &UpdateSubscriber{
		client:  client,
		channel: UpdatesChannel,
		log:     log,
	}
}

// SubscribeToBidUpdates blocks, handing each decoded update to handler, until
// ctx ends. Handler errors are logged and do not stop the subscription.
func (r *UpdateSubscriber) SubscribeToBidUpdates(ctx context.Context, handler domain.UpdateHandler) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Wait for confirmation so no publish after return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	ch := pubsub.Channel()

	r.log.Info("Subscribed to bid updates", "channel", r.channel)

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			update, err := parseUpdate(msg.Payload)
			if err != nil {
				r.log.Error("Failed to parse update", "payload", msg.Payload, "error", err)
				continue
			}

			if err := handler(update); err != nil {
				r.log.Error("Failed to handle update", "item_id", update.ItemID, "error", err)
			}

		case <-ctx.Done():
			r.log.Info("Update subscriber stopped")
			return ctx.Err()
		}
	}
}

func parseUpdate(payload string) (domain.BidUpdate, error) {
	var update domain.BidUpdate
	if err := json.Unmarshal([]byte(payload), &update); err != nil {
		return update, err
	}
	if update.ItemID == "" {
		return update, fmt.Errorf("update without item_id")
	}
	if update.Amount.Sign() <= 0 {
		return update, fmt.Errorf("update with non-positive amount %s", update.Amount)
	}
	return update, nil
}
