package redis

import (
	"context"
	"encoding/json"

	"bidstream/internal/domain"

	"github.com/go-redis/redis/v8"
)

const UpdatesChannel = "bid_updates"

type UpdatePublisher struct {
	client  *redis.Client
	channel string
}

func NewUpdatePublisher(client *redis.Client) *UpdatePublisher {
	return &UpdatePublisher{client: client, channel: UpdatesChannel}
}

func (r *UpdatePublisher) PublishBidUpdate(ctx context.Context, update domain.BidUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}
