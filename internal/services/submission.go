package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bidstream/internal/domain"
	"bidstream/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// amountPrecision is the number of decimal places a bid amount may carry.
const amountPrecision int32 = 2

const (
	DefaultSubmitTimeout  = 10 * time.Second
	DefaultConfirmTimeout = 5 * time.Second
)

// BidBook is the read side of the reducer the coordinator validates against.
type BidBook interface {
	Highest(itemID string) (domain.BidUpdate, bool)
	AwaitConfirmation(itemID string, expect Expectation) (<-chan domain.BidUpdate, func())
}

type SubmissionConfig struct {
	BidderID       string
	SubmitTimeout  time.Duration
	ConfirmTimeout time.Duration
}

// Submission is the handle for one accepted bid attempt.
type Submission struct {
	ID     string
	ItemID string
	Amount decimal.Decimal

	done  chan struct{}
	mu    sync.Mutex
	state domain.SubmissionState
}

func (s *Submission) Done() <-chan struct{} {
	return s.done
}

func (s *Submission) State() domain.SubmissionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Wait blocks until the attempt resolves or ctx ends.
func (s *Submission) Wait(ctx context.Context) (domain.SubmissionState, error) {
	select {
	case <-s.done:
		return s.State(), nil
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

// SubmissionCoordinator validates bids locally, keeps at most one attempt in
// flight per item, and resolves an attempt only once the reducer has seen the
// confirming update. It never writes bid history itself.
type SubmissionCoordinator struct {
	submitter      domain.BidSubmitter
	book           BidBook
	policy         domain.IncrementPolicy
	bidderID       string
	submitTimeout  time.Duration
	confirmTimeout time.Duration
	log            logger.Logger

	mu        sync.Mutex
	inflight  map[string]*Submission
	states    map[string]domain.SubmissionState
	closed    map[string]bool
	observers map[uint64]func(domain.SubmissionState)
	nextObsID uint64
}

func NewSubmissionCoordinator(
	submitter domain.BidSubmitter,
	book BidBook,
	policy domain.IncrementPolicy,
	cfg SubmissionConfig,
	log logger.Logger,
) *SubmissionCoordinator {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	return &SubmissionCoordinator{
		submitter:      submitter,
		book:           book,
		policy:         policy,
		bidderID:       cfg.BidderID,
		submitTimeout:  cfg.SubmitTimeout,
		confirmTimeout: cfg.ConfirmTimeout,
		log:            log,
		inflight:       make(map[string]*Submission),
		states:         make(map[string]domain.SubmissionState),
		closed:         make(map[string]bool),
		observers:      make(map[uint64]func(domain.SubmissionState)),
	}
}

// Submit starts a bid attempt. Validation failures and ErrAlreadySubmitting are
// returned synchronously; everything else resolves through the handle.
func (c *SubmissionCoordinator) Submit(ctx context.Context, itemID string, amount decimal.Decimal) (*Submission, error) {
	c.mu.Lock()
	if _, busy := c.inflight[itemID]; busy {
		c.mu.Unlock()
		return nil, domain.ErrAlreadySubmitting
	}
	closed := c.closed[itemID]
	highest, hasHighest := c.book.Highest(itemID)
	if err := c.validate(amount, closed, highest, hasHighest); err != nil {
		c.mu.Unlock()
		c.log.Info("Bid rejected locally", "item_id", itemID, "amount", amount.String(), "reason", err.Error())
		return nil, err
	}

	expect := Expectation{Amount: amount, BidderID: c.bidderID}
	if hasHighest && highest.HasSequence() {
		expect.MinSequence = highest.Sequence + 1
	}
	confirmed, cancelWait := c.book.AwaitConfirmation(itemID, expect)

	sub := &Submission{
		ID:     uuid.NewString(),
		ItemID: itemID,
		Amount: amount,
		done:   make(chan struct{}),
	}
	sub.state = domain.SubmissionState{
		Status:    domain.SubmissionSubmitting,
		RequestID: sub.ID,
		ItemID:    itemID,
		Amount:    amount,
	}
	c.inflight[itemID] = sub
	c.states[itemID] = sub.state
	observers := c.observersLocked()
	c.mu.Unlock()

	notify(observers, sub.state)
	c.log.Info("Submitting bid", "item_id", itemID, "amount", amount.String(), "submission_id", sub.ID)

	go c.run(context.WithoutCancel(ctx), sub, expect, confirmed, cancelWait)
	return sub, nil
}

func (c *SubmissionCoordinator) validate(amount decimal.Decimal, closed bool, highest domain.BidUpdate, hasHighest bool) error {
	if closed {
		return &domain.ValidationError{Reason: "auction has ended"}
	}
	if amount.Sign() <= 0 {
		return &domain.ValidationError{Reason: "amount must be positive"}
	}
	if !amount.Equal(amount.Round(amountPrecision)) {
		return &domain.ValidationError{Reason: fmt.Sprintf("amount has more than %d decimal places", amountPrecision)}
	}
	if !hasHighest {
		return nil
	}
	if amount.LessThanOrEqual(highest.Amount) {
		return &domain.ValidationError{Reason: "amount must exceed current highest bid " + highest.Amount.StringFixed(amountPrecision)}
	}
	minimum := highest.Amount.Add(c.policy.MinIncrement(highest.Amount))
	if amount.LessThan(minimum) {
		return &domain.ValidationError{Reason: "amount below minimum bid " + minimum.StringFixed(amountPrecision)}
	}
	return nil
}

func (c *SubmissionCoordinator) run(ctx context.Context, sub *Submission, expect Expectation,
	confirmed <-chan domain.BidUpdate, cancelWait func()) {
	sendCtx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	ack, err := c.submitter.SubmitBid(sendCtx, sub.ItemID, sub.Amount, c.bidderID)
	cancel()
	if err != nil {
		cancelWait()
		c.finish(sub, domain.SubmissionFailed, classifySubmitError(err), nil)
		return
	}

	c.log.Debug("Bid acknowledged", "item_id", sub.ItemID, "request_id", ack.RequestID, "sequence", ack.Sequence)

	if ack.Sequence > 0 {
		select {
		case u := <-confirmed:
			c.finish(sub, domain.SubmissionSucceeded, nil, &u)
			return
		default:
		}
		cancelWait()
		expect.Sequence = ack.Sequence
		confirmed, cancelWait = c.book.AwaitConfirmation(sub.ItemID, expect)
	}

	timer := time.NewTimer(c.confirmTimeout)
	defer timer.Stop()
	select {
	case u := <-confirmed:
		c.finish(sub, domain.SubmissionSucceeded, nil, &u)
	case <-timer.C:
		cancelWait()
		c.finish(sub, domain.SubmissionFailed, domain.ErrSubmitTimeout, nil)
	}
}

func classifySubmitError(err error) error {
	switch {
	case errors.Is(err, domain.ErrServerRejected):
		return err
	case errors.Is(err, domain.ErrSubmitTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.ErrSubmitTimeout
	case errors.Is(err, domain.ErrTransport):
		return err
	default:
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
}

func (c *SubmissionCoordinator) finish(sub *Submission, status domain.SubmissionStatus, err error, update *domain.BidUpdate) {
	sub.mu.Lock()
	sub.state.Status = status
	sub.state.Err = err
	sub.state.Confirmed = update
	state := sub.state
	sub.mu.Unlock()

	c.mu.Lock()
	if c.inflight[sub.ItemID] == sub {
		delete(c.inflight, sub.ItemID)
		c.states[sub.ItemID] = state
	}
	observers := c.observersLocked()
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("Bid submission failed", "item_id", sub.ItemID, "submission_id", sub.ID, "error", err)
	} else {
		c.log.Info("Bid confirmed", "item_id", sub.ItemID, "submission_id", sub.ID, "sequence", update.Sequence)
	}
	notify(observers, state)
	close(sub.done)
}

// State returns the latest submission state for itemID; idle when none.
func (c *SubmissionCoordinator) State(itemID string) domain.SubmissionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[itemID]; ok {
		return st
	}
	return domain.SubmissionState{Status: domain.SubmissionIdle, ItemID: itemID}
}

// Reset returns a resolved item to idle. An in-flight attempt is left alone.
func (c *SubmissionCoordinator) Reset(itemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[itemID]; busy {
		return
	}
	delete(c.states, itemID)
}

// MarkClosed makes later submissions for itemID fail validation.
func (c *SubmissionCoordinator) MarkClosed(itemID string) {
	c.mu.Lock()
	c.closed[itemID] = true
	c.mu.Unlock()
}

func (c *SubmissionCoordinator) Observe(fn func(domain.SubmissionState)) func() {
	c.mu.Lock()
	c.nextObsID++
	id := c.nextObsID
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *SubmissionCoordinator) observersLocked() []func(domain.SubmissionState) {
	out := make([]func(domain.SubmissionState), 0, len(c.observers))
	for _, fn := range c.observers {
		out = append(out, fn)
	}
	return out
}

func notify(observers []func(domain.SubmissionState), st domain.SubmissionState) {
	for _, fn := range observers {
		fn(st)
	}
}
