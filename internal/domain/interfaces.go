package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// FeedHandler receives parsed item events in arrival order.
type FeedHandler func(event FeedEvent)

// FeedTransport is the live connection to the bid feed.
type FeedTransport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(itemID string, handler FeedHandler) (func(), error)
	SubmitBid(ctx context.Context, itemID string, amount decimal.Decimal, bidderID string) (Ack, error)
	State() ConnectionState
	OnConnectionStatus(cb func(ConnectionState)) func()
	OnError(cb func(error)) func()
}

// BidSubmitter is the part of the transport the submission coordinator needs.
type BidSubmitter interface {
	SubmitBid(ctx context.Context, itemID string, amount decimal.Decimal, bidderID string) (Ack, error)
}

// IncrementPolicy supplies the client-side minimum increment.
type IncrementPolicy interface {
	MinIncrement(current decimal.Decimal) decimal.Decimal
}

// UpdateSink receives every update the reducer accepted.
type UpdateSink interface {
	PublishBidUpdate(ctx context.Context, update BidUpdate) error
}

type UpdateSubscriber interface {
	SubscribeToBidUpdates(ctx context.Context, handler UpdateHandler) error
}

type UpdateHandler func(update BidUpdate) error

type BidRepository interface {
	SaveBidUpdate(ctx context.Context, update BidUpdate) error
	GetBidHistory(ctx context.Context, itemID string) ([]BidUpdate, error)
}

type RuleStore interface {
	LoadRules(ctx context.Context) (*BidValidationRules, error)
}

// TokenStore is local key-value storage for session tokens.
type TokenStore interface {
	GetToken(ctx context.Context, key string) (string, error)
	SetToken(ctx context.Context, key, token string) error
}

// Leader election interface
type LeaderElection interface {
	BecomeLeader(ctx context.Context, instanceID string) (bool, error)
	IsLeader(ctx context.Context, instanceID string) (bool, error)
	ReleaseLeadership(ctx context.Context, instanceID string) error
}
