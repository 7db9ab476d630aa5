package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bidstream/internal/domain"
	"bidstream/pkg/logger"

	"github.com/shopspring/decimal"
)

const (
	publishTimeout = 2 * time.Second
	publishBuffer  = 256
)

type SessionOption func(*BiddingSession)

// WithUpdateSink forwards every accepted update to sink.
func WithUpdateSink(sink domain.UpdateSink) SessionOption {
	return func(s *BiddingSession) { s.sink = sink }
}

// WithHistorySource lets Warm replay persisted history.
func WithHistorySource(repo domain.BidRepository) SessionOption {
	return func(s *BiddingSession) { s.history = repo }
}

// BiddingSession binds one feed transport to one reducer and one submission
// coordinator. It is the surface the presentation layer reads and submits through.
type BiddingSession struct {
	transport   domain.FeedTransport
	reducer     *Reducer
	coordinator *SubmissionCoordinator
	sink        domain.UpdateSink
	history     domain.BidRepository
	log         logger.Logger

	mu      sync.Mutex
	watches map[string]func()

	// accepted updates queue here so a slow sink never stalls the feed
	outbox    chan domain.BidUpdate
	stop      chan struct{}
	stopOnce  sync.Once
	publisher sync.WaitGroup
}

func NewBiddingSession(transport domain.FeedTransport, reducer *Reducer, coordinator *SubmissionCoordinator,
	log logger.Logger, opts ...SessionOption) *BiddingSession {
	s := &BiddingSession{
		transport:   transport,
		reducer:     reducer,
		coordinator: coordinator,
		log:         log,
		watches:     make(map[string]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sink != nil {
		s.outbox = make(chan domain.BidUpdate, publishBuffer)
		s.stop = make(chan struct{})
		s.publisher.Add(1)
		go s.publishLoop()
	}
	return s
}

// Start connects the transport. Items watched before Start are subscribed on connect.
func (s *BiddingSession) Start(ctx context.Context) error {
	return s.transport.Connect(ctx)
}

// Retry is the user-triggered reconnect after a failed connect.
func (s *BiddingSession) Retry(ctx context.Context) error {
	s.log.Info("Retrying feed connection", "state", s.transport.State().String())
	return s.transport.Connect(ctx)
}

// Watch subscribes to itemID's feed once; later calls are no-ops.
func (s *BiddingSession) Watch(itemID string) error {
	if itemID == "" {
		return errors.New("item id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watches[itemID]; ok {
		return nil
	}
	unsubscribe, err := s.transport.Subscribe(itemID, s.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", itemID, err)
	}
	s.watches[itemID] = unsubscribe
	s.log.Info("Watching item", "item_id", itemID)
	return nil
}

// Unwatch stops following itemID and drops its local state.
func (s *BiddingSession) Unwatch(itemID string) {
	s.mu.Lock()
	unsubscribe, ok := s.watches[itemID]
	delete(s.watches, itemID)
	s.mu.Unlock()
	if !ok {
		return
	}
	unsubscribe()
	s.reducer.Reset(itemID)
	s.coordinator.Reset(itemID)
	s.log.Info("Stopped watching item", "item_id", itemID)
}

func (s *BiddingSession) Watched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]string, 0, len(s.watches))
	for itemID := range s.watches {
		items = append(items, itemID)
	}
	sort.Strings(items)
	return items
}

// Close detaches every watch, disconnects the transport and flushes queued
// sink publishes.
func (s *BiddingSession) Close() {
	s.mu.Lock()
	watches := s.watches
	s.watches = make(map[string]func())
	s.mu.Unlock()

	for _, unsubscribe := range watches {
		unsubscribe()
	}
	s.transport.Disconnect()

	if s.stop != nil {
		s.stopOnce.Do(func() { close(s.stop) })
		s.publisher.Wait()
	}
}

func (s *BiddingSession) handleEvent(event domain.FeedEvent) {
	switch event.Type {
	case domain.FeedBidUpdate:
		s.applyUpdate(*event.Update)
	case domain.FeedAuctionEnded:
		s.log.Info("Auction ended", "item_id", event.ItemID, "end_time", event.At)
		s.coordinator.MarkClosed(event.ItemID)
	case domain.FeedAuctionExtended:
		s.log.Info("Auction extended", "item_id", event.ItemID, "end_time", event.At)
	}
}

func (s *BiddingSession) applyUpdate(update domain.BidUpdate) {
	result := s.reducer.Apply(update)
	if result.Outcome != UpdateAccepted || s.sink == nil {
		return
	}
	select {
	case s.outbox <- update:
	default:
		s.log.Warn("Publish queue full, dropping bid update", "item_id", update.ItemID, "sequence", update.Sequence)
	}
}

func (s *BiddingSession) publishLoop() {
	defer s.publisher.Done()
	for {
		select {
		case update := <-s.outbox:
			s.publish(context.Background(), update)
		case <-s.stop:
			s.flush()
			return
		}
	}
}

// flush publishes whatever is still queued, bounded by one publish timeout.
func (s *BiddingSession) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for {
		select {
		case update := <-s.outbox:
			if ctx.Err() != nil {
				s.log.Warn("Dropping queued bid updates on close", "pending", len(s.outbox)+1)
				return
			}
			s.publish(ctx, update)
		default:
			return
		}
	}
}

func (s *BiddingSession) publish(parent context.Context, update domain.BidUpdate) {
	ctx, cancel := context.WithTimeout(parent, publishTimeout)
	defer cancel()
	if err := s.sink.PublishBidUpdate(ctx, update); err != nil {
		s.log.Error("Failed to publish bid update", "item_id", update.ItemID, "sequence", update.Sequence, "error", err)
	}
}

// Warm replays persisted history for itemID through the reducer. Updates the
// feed already delivered are discarded as duplicates.
func (s *BiddingSession) Warm(ctx context.Context, itemID string) (int, error) {
	if s.history == nil {
		return 0, nil
	}
	updates, err := s.history.GetBidHistory(ctx, itemID)
	if err != nil {
		return 0, fmt.Errorf("load history for %s: %w", itemID, err)
	}
	accepted := 0
	for _, u := range updates {
		if s.reducer.Apply(u).Outcome == UpdateAccepted {
			accepted++
		}
	}
	s.log.Info("Warmed item history", "item_id", itemID, "loaded", len(updates), "accepted", accepted)
	return accepted, nil
}

func (s *BiddingSession) ConnectionState() domain.ConnectionState {
	return s.transport.State()
}

func (s *BiddingSession) BidHistory(itemID string) []domain.BidUpdate {
	return s.reducer.History(itemID)
}

func (s *BiddingSession) HighestBid(itemID string) (domain.BidUpdate, bool) {
	return s.reducer.Highest(itemID)
}

func (s *BiddingSession) Stats(itemID string) domain.ItemStats {
	return s.reducer.Stats(itemID)
}

func (s *BiddingSession) Snapshot(itemID string) domain.HistorySnapshot {
	return s.reducer.Snapshot(itemID)
}

func (s *BiddingSession) Submit(ctx context.Context, itemID string, amount decimal.Decimal) (*Submission, error) {
	return s.coordinator.Submit(ctx, itemID, amount)
}

func (s *BiddingSession) SubmissionState(itemID string) domain.SubmissionState {
	return s.coordinator.State(itemID)
}

func (s *BiddingSession) ObserveHistory(itemID string, fn HistoryObserver) func() {
	return s.reducer.Observe(itemID, fn)
}

func (s *BiddingSession) ObserveAllHistory(fn HistoryObserver) func() {
	return s.reducer.ObserveAll(fn)
}

func (s *BiddingSession) ObserveConnection(fn func(domain.ConnectionState)) func() {
	return s.transport.OnConnectionStatus(fn)
}

func (s *BiddingSession) ObserveSubmissions(fn func(domain.SubmissionState)) func() {
	return s.coordinator.Observe(fn)
}
