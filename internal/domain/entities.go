package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bidder identifies who placed a bid. A nil *Bidder means anonymous.
type Bidder struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// BidUpdate is one received or locally submitted bid event for an item.
// Sequence is zero when the feed did not assign one; Timestamp is zero on
// entries the server has not confirmed.
type BidUpdate struct {
	ItemID    string          `json:"item_id"`
	Amount    decimal.Decimal `json:"amount"`
	Bidder    *Bidder         `json:"bidder,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  uint64          `json:"sequence,omitempty"`
}

func (u BidUpdate) HasSequence() bool {
	return u.Sequence > 0
}

func (u BidUpdate) Confirmed() bool {
	return !u.Timestamp.IsZero()
}

// Stored bid history keeps microsecond timestamps and cent amounts, so
// identity comparisons between updates happen at that resolution.
const (
	TimestampResolution = time.Microsecond
	AmountPlaces        = 2
)

// KeyTime is Timestamp at the resolution updates are identified by.
func (u BidUpdate) KeyTime() time.Time {
	return u.Timestamp.Truncate(TimestampResolution)
}

// KeyAmount is Amount at the resolution updates are identified by.
func (u BidUpdate) KeyAmount() decimal.Decimal {
	return u.Amount.Round(AmountPlaces)
}

// BidderID returns the bidder id or "" for anonymous bids.
func (u BidUpdate) BidderID() string {
	if u.Bidder == nil {
		return ""
	}
	return u.Bidder.ID
}

// ItemStats are derived from an item's history on every read.
type ItemStats struct {
	TotalBids     int `json:"total_bids"`
	UniqueBidders int `json:"unique_bidders"`
}

// HistorySnapshot is the read-only view of one item handed to observers.
// Highest is nil until the first accepted update.
type HistorySnapshot struct {
	ItemID  string      `json:"item_id"`
	History []BidUpdate `json:"history"`
	Highest *BidUpdate  `json:"highest"`
	Stats   ItemStats   `json:"stats"`
}

type ConnectionStatus int

const (
	ConnectionDisconnected ConnectionStatus = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionFailed
)

func (s ConnectionStatus) String() string {
	switch s {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionFailed:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionState is per process and never persisted. Err is set only in the
// error status; Attempt counts reconnect attempts since the last drop.
type ConnectionState struct {
	Status  ConnectionStatus
	Err     error
	Attempt int
}

func (s ConnectionState) String() string {
	if s.Status == ConnectionFailed && s.Err != nil {
		return "error(" + s.Err.Error() + ")"
	}
	return s.Status.String()
}

type SubmissionStatus int

const (
	SubmissionIdle SubmissionStatus = iota
	SubmissionSubmitting
	SubmissionSucceeded
	SubmissionFailed
)

func (s SubmissionStatus) String() string {
	switch s {
	case SubmissionIdle:
		return "idle"
	case SubmissionSubmitting:
		return "submitting"
	case SubmissionSucceeded:
		return "succeeded"
	case SubmissionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SubmissionState describes one bid attempt for an item.
type SubmissionState struct {
	Status    SubmissionStatus
	Err       error
	RequestID string
	ItemID    string
	Amount    decimal.Decimal
	Confirmed *BidUpdate
}

// Ack means the server accepted a bid for processing, not that it is final.
type Ack struct {
	RequestID string
	ItemID    string
	Sequence  uint64
}

type FeedEventType string

const (
	FeedBidUpdate       FeedEventType = "bid_update"
	FeedAuctionEnded    FeedEventType = "auction_ended"
	FeedAuctionExtended FeedEventType = "auction_extended"
)

// FeedEvent is an inbound item event after boundary validation.
type FeedEvent struct {
	Type   FeedEventType
	ItemID string
	Update *BidUpdate
	At     time.Time
}

// BidValidationRules maps price bands ("0-100", "100-500", "500+") to the
// minimum increment for bids in that band.
type BidValidationRules struct {
	Rules map[string]float64 `json:"rules"`
}
