package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bidstream/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	msgSubscribe       = "subscribe"
	msgUnsubscribe     = "unsubscribe"
	msgPlaceBid        = "place_bid"
	msgPing            = "ping"
	msgPong            = "pong"
	msgBidUpdate       = "bid_update"
	msgBidAck          = "bid_ack"
	msgBidRejected     = "bid_rejected"
	msgError           = "error"
	msgAuctionEnded    = "auction_ended"
	msgAuctionExtended = "auction_extended"
)

// outboundMessage is every frame the client writes.
type outboundMessage struct {
	Type      string `json:"type"`
	ItemID    string `json:"item_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Amount    string `json:"amount,omitempty"`
	BidderID  string `json:"bidder_id,omitempty"`
}

func subscribeMessage(itemID string) outboundMessage {
	return outboundMessage{Type: msgSubscribe, ItemID: itemID}
}

func unsubscribeMessage(itemID string) outboundMessage {
	return outboundMessage{Type: msgUnsubscribe, ItemID: itemID}
}

func placeBidMessage(requestID, itemID string, amount decimal.Decimal, bidderID string) outboundMessage {
	return outboundMessage{
		Type:      msgPlaceBid,
		RequestID: requestID,
		ItemID:    itemID,
		Amount:    amount.StringFixed(2),
		BidderID:  bidderID,
	}
}

// rawInbound is the loose shape of any server frame. Field aliases cover the
// older auction server that speaks auction_id, current_bid and current_winner.
type rawInbound struct {
	Type          string          `json:"type"`
	ItemID        string          `json:"item_id"`
	AuctionID     string          `json:"auction_id"`
	Amount        json.RawMessage `json:"amount"`
	CurrentBid    json.RawMessage `json:"current_bid"`
	Bidder        *domain.Bidder  `json:"bidder"`
	CurrentWinner string          `json:"current_winner"`
	Timestamp     json.RawMessage `json:"timestamp"`
	EndTime       json.RawMessage `json:"end_time"`
	Sequence      json.RawMessage `json:"sequence"`
	RequestID     string          `json:"request_id"`
	Reason        string          `json:"reason"`
	Message       string          `json:"message"`
}

// inbound is a validated server frame.
type inbound struct {
	Type      string
	Event     *domain.FeedEvent
	Ack       *domain.Ack
	RequestID string
	Reason    string
}

// decodeFrame parses one websocket text frame, which holds a single message or
// a JSON array of messages. Invalid entries in an array are reported together
// while the valid ones are still returned.
func decodeFrame(data []byte) ([]inbound, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty frame", domain.ErrMalformedMessage)
	}
	if trimmed[0] != '[' {
		msg, err := decodeMessage(trimmed)
		if err != nil {
			return nil, err
		}
		return []inbound{msg}, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	out := make([]inbound, 0, len(raws))
	var errs []error
	for _, raw := range raws {
		msg, err := decodeMessage(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, msg)
	}
	return out, errors.Join(errs...)
}

func decodeMessage(data []byte) (inbound, error) {
	var raw rawInbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return inbound{}, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	if raw.Type == "" {
		return inbound{}, fmt.Errorf("%w: missing type", domain.ErrMalformedMessage)
	}

	msg := inbound{Type: raw.Type, RequestID: raw.RequestID}
	var err error
	switch raw.Type {
	case msgBidUpdate:
		msg.Event, err = decodeBidUpdate(raw)
	case msgAuctionEnded, msgAuctionExtended:
		msg.Event, err = decodeItemEvent(raw)
	case msgBidAck:
		msg.Ack, err = decodeAck(raw)
	case msgBidRejected:
		if raw.RequestID == "" {
			err = errors.New("bid_rejected without request_id")
		}
		msg.Reason = firstNonEmpty(raw.Reason, raw.Message, "rejected")
	case msgError:
		msg.Reason = firstNonEmpty(raw.Message, raw.Reason, "unspecified error")
	}
	if err != nil {
		return inbound{}, fmt.Errorf("%w: %s: %v", domain.ErrMalformedMessage, raw.Type, err)
	}
	return msg, nil
}

func decodeBidUpdate(raw rawInbound) (*domain.FeedEvent, error) {
	itemID := firstNonEmpty(raw.ItemID, raw.AuctionID)
	if itemID == "" {
		return nil, errors.New("missing item_id")
	}

	amountField := raw.Amount
	if isAbsent(amountField) {
		amountField = raw.CurrentBid
	}
	amount, err := parseAmount(amountField)
	if err != nil {
		return nil, err
	}

	bidder := raw.Bidder
	if bidder != nil && bidder.ID == "" {
		return nil, errors.New("bidder without id")
	}
	if bidder == nil && raw.CurrentWinner != "" {
		bidder = &domain.Bidder{ID: raw.CurrentWinner}
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return nil, err
	}
	seq, err := parseSequence(raw.Sequence)
	if err != nil {
		return nil, err
	}

	update := &domain.BidUpdate{
		ItemID:    itemID,
		Amount:    amount,
		Bidder:    bidder,
		Timestamp: ts,
		Sequence:  seq,
	}
	return &domain.FeedEvent{Type: domain.FeedBidUpdate, ItemID: itemID, Update: update, At: ts}, nil
}

func decodeItemEvent(raw rawInbound) (*domain.FeedEvent, error) {
	itemID := firstNonEmpty(raw.ItemID, raw.AuctionID)
	if itemID == "" {
		return nil, errors.New("missing item_id")
	}
	at, err := parseTimestamp(raw.EndTime)
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		if at, err = parseTimestamp(raw.Timestamp); err != nil {
			return nil, err
		}
	}
	return &domain.FeedEvent{Type: domain.FeedEventType(raw.Type), ItemID: itemID, At: at}, nil
}

func decodeAck(raw rawInbound) (*domain.Ack, error) {
	if raw.RequestID == "" {
		return nil, errors.New("missing request_id")
	}
	seq, err := parseSequence(raw.Sequence)
	if err != nil {
		return nil, err
	}
	return &domain.Ack{
		RequestID: raw.RequestID,
		ItemID:    firstNonEmpty(raw.ItemID, raw.AuctionID),
		Sequence:  seq,
	}, nil
}

func isAbsent(field json.RawMessage) bool {
	return len(field) == 0 || string(field) == "null"
}

// unquote returns the contents of a JSON string or the raw token otherwise.
func unquote(field json.RawMessage) (string, error) {
	if len(field) > 0 && field[0] == '"' {
		var s string
		if err := json.Unmarshal(field, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	return string(field), nil
}

func parseAmount(field json.RawMessage) (decimal.Decimal, error) {
	if isAbsent(field) {
		return decimal.Zero, errors.New("missing amount")
	}
	s, err := unquote(field)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount: %w", err)
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q: %w", s, err)
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("amount %s is not positive", amount)
	}
	return amount, nil
}

// parseTimestamp accepts RFC3339 strings or unix time in seconds or
// milliseconds. Absent means unconfirmed and yields the zero time.
func parseTimestamp(field json.RawMessage) (time.Time, error) {
	if isAbsent(field) {
		return time.Time{}, nil
	}
	s, err := unquote(field)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q is neither RFC3339 nor unix time", s)
	}
	if n <= 0 {
		return time.Time{}, fmt.Errorf("timestamp %d out of range", n)
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}

func parseSequence(field json.RawMessage) (uint64, error) {
	if isAbsent(field) {
		return 0, nil
	}
	s, err := unquote(field)
	if err != nil {
		return 0, fmt.Errorf("sequence: %w", err)
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sequence %q: %w", s, err)
	}
	return seq, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
