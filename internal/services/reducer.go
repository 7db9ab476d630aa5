package services

import (
	"sort"
	"sync"

	"bidstream/internal/domain"
	"bidstream/pkg/logger"

	"github.com/shopspring/decimal"
)

type ApplyOutcome int

const (
	UpdateAccepted ApplyOutcome = iota
	UpdateDuplicate
	UpdateDropped
)

func (o ApplyOutcome) String() string {
	switch o {
	case UpdateAccepted:
		return "accepted"
	case UpdateDuplicate:
		return "duplicate"
	case UpdateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

type ApplyResult struct {
	Outcome    ApplyOutcome
	OutOfOrder bool
	NewHighest bool
	Warning    domain.ReducerWarning
}

// Expectation describes the confirmed update a submission is waiting for.
// Sequence pins an exact sequence when the server acknowledged one; otherwise
// any update at or after MinSequence with the same amount matches.
type Expectation struct {
	Amount      decimal.Decimal
	BidderID    string
	MinSequence uint64
	Sequence    uint64
}

func (e Expectation) matches(u domain.BidUpdate) bool {
	if !u.Amount.Equal(e.Amount) {
		return false
	}
	if e.BidderID != "" && u.Bidder != nil && u.Bidder.ID != e.BidderID {
		return false
	}
	if e.Sequence > 0 {
		return u.Sequence == e.Sequence
	}
	return u.Sequence >= e.MinSequence
}

type HistoryObserver func(snapshot domain.HistorySnapshot)

type confirmationWaiter struct {
	expect Expectation
	ch     chan domain.BidUpdate
}

type itemBook struct {
	sequenced bool
	history   []domain.BidUpdate
	highest   *domain.BidUpdate
	observers map[uint64]HistoryObserver
	waiters   map[uint64]*confirmationWaiter
}

// Reducer owns the canonical per-item bid history. It is the only mutator of
// confirmed state; Apply calls for one item must come from one ordered queue.
type Reducer struct {
	mu     sync.Mutex
	items  map[string]*itemBook
	all    map[uint64]HistoryObserver
	nextID uint64
	log    logger.Logger
}

func NewReducer(log logger.Logger) *Reducer {
	return &Reducer{
		items: make(map[string]*itemBook),
		all:   make(map[uint64]HistoryObserver),
		log:   log,
	}
}

// newer reports whether a sorts before b in an item's history.
func newer(a, b domain.BidUpdate, sequenced bool) bool {
	if sequenced {
		return a.Sequence > b.Sequence
	}
	if at, bt := a.KeyTime(), b.KeyTime(); !at.Equal(bt) {
		return at.After(bt)
	}
	if aa, ba := a.KeyAmount(), b.KeyAmount(); !aa.Equal(ba) {
		return aa.GreaterThan(ba)
	}
	return a.BidderID() > b.BidderID()
}

// sameKey compares at stored precision, so a replay of a persisted update
// matches the live update it came from.
func sameKey(a, b domain.BidUpdate, sequenced bool) bool {
	if sequenced {
		return a.Sequence == b.Sequence
	}
	return a.KeyTime().Equal(b.KeyTime()) && a.KeyAmount().Equal(b.KeyAmount()) && a.BidderID() == b.BidderID()
}

// outbids reports whether a should replace b as highest: a larger amount, or
// the same amount reached earlier.
func outbids(a, b domain.BidUpdate, sequenced bool) bool {
	if cmp := a.Amount.Cmp(b.Amount); cmp != 0 {
		return cmp > 0
	}
	return newer(b, a, sequenced)
}

func (r *Reducer) bookLocked(itemID string, sequenced bool) *itemBook {
	book, ok := r.items[itemID]
	if !ok {
		book = &itemBook{
			sequenced: sequenced,
			observers: make(map[uint64]HistoryObserver),
			waiters:   make(map[uint64]*confirmationWaiter),
		}
		r.items[itemID] = book
	}
	return book
}

// Apply merges one update into its item's history. Applying the same set of
// updates in any order converges to the same history and highest bid.
func (r *Reducer) Apply(update domain.BidUpdate) ApplyResult {
	r.mu.Lock()
	book := r.bookLocked(update.ItemID, update.HasSequence())
	if len(book.history) > 0 && book.sequenced != update.HasSequence() {
		r.mu.Unlock()
		r.log.Warn("Dropping update with mismatched ordering",
			"warning", string(domain.OrderingMismatch), "item_id", update.ItemID, "sequence", update.Sequence)
		return ApplyResult{Outcome: UpdateDropped, Warning: domain.OrderingMismatch}
	}
	if len(book.history) == 0 {
		book.sequenced = update.HasSequence()
	}

	idx := sort.Search(len(book.history), func(i int) bool {
		return !newer(book.history[i], update, book.sequenced)
	})
	if idx < len(book.history) && sameKey(book.history[idx], update, book.sequenced) {
		r.mu.Unlock()
		r.log.Warn("Discarding duplicate update",
			"warning", string(domain.DuplicateUpdate), "item_id", update.ItemID, "sequence", update.Sequence)
		return ApplyResult{Outcome: UpdateDuplicate, Warning: domain.DuplicateUpdate}
	}

	book.history = append(book.history, domain.BidUpdate{})
	copy(book.history[idx+1:], book.history[idx:])
	book.history[idx] = update

	result := ApplyResult{Outcome: UpdateAccepted, OutOfOrder: idx > 0}
	if result.OutOfOrder {
		result.Warning = domain.OutOfOrderUpdate
	}
	var previous *domain.BidUpdate
	if book.highest == nil || outbids(update, *book.highest, book.sequenced) {
		h := update
		book.highest = &h
		result.NewHighest = true
	} else if !result.OutOfOrder {
		// Newest update that does not beat the highest: history[0] is no
		// longer the highest bid.
		result.Warning = domain.StaleUpdate
		p := *book.highest
		previous = &p
	}

	snapshot := snapshotLocked(update.ItemID, book)
	observers := make([]HistoryObserver, 0, len(book.observers)+len(r.all))
	for _, obs := range book.observers {
		observers = append(observers, obs)
	}
	for _, obs := range r.all {
		observers = append(observers, obs)
	}
	for id, w := range book.waiters {
		if w.expect.matches(update) {
			w.ch <- update
			delete(book.waiters, id)
		}
	}
	r.mu.Unlock()

	if result.OutOfOrder {
		r.log.Warn("Out of order update",
			"warning", string(domain.OutOfOrderUpdate), "item_id", update.ItemID,
			"sequence", update.Sequence, "amount", update.Amount.String(), "new_highest", result.NewHighest)
	}
	if result.Warning == domain.StaleUpdate {
		r.log.Warn("Newest update is below the highest bid",
			"warning", string(domain.StaleUpdate), "item_id", update.ItemID,
			"sequence", update.Sequence, "amount", update.Amount.String(), "highest", previous.Amount.String())
	}

	for _, obs := range observers {
		obs(snapshot)
	}
	return result
}

func snapshotLocked(itemID string, book *itemBook) domain.HistorySnapshot {
	snap := domain.HistorySnapshot{
		ItemID:  itemID,
		History: make([]domain.BidUpdate, len(book.history)),
		Stats:   statsOf(book.history),
	}
	copy(snap.History, book.history)
	if book.highest != nil {
		h := *book.highest
		snap.Highest = &h
	}
	return snap
}

func statsOf(history []domain.BidUpdate) domain.ItemStats {
	bidders := make(map[string]struct{}, len(history))
	for _, u := range history {
		if id := u.BidderID(); id != "" {
			bidders[id] = struct{}{}
		}
	}
	return domain.ItemStats{TotalBids: len(history), UniqueBidders: len(bidders)}
}

func (r *Reducer) History(itemID string) []domain.BidUpdate {
	return r.Snapshot(itemID).History
}

func (r *Reducer) Highest(itemID string) (domain.BidUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	book, ok := r.items[itemID]
	if !ok || book.highest == nil {
		return domain.BidUpdate{}, false
	}
	return *book.highest, true
}

func (r *Reducer) Stats(itemID string) domain.ItemStats {
	return r.Snapshot(itemID).Stats
}

func (r *Reducer) Snapshot(itemID string) domain.HistorySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	book, ok := r.items[itemID]
	if !ok {
		return domain.HistorySnapshot{ItemID: itemID, History: []domain.BidUpdate{}}
	}
	return snapshotLocked(itemID, book)
}

// Items lists items that hold any history.
func (r *Reducer) Items() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.items))
	for id, book := range r.items {
		if len(book.history) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Observe registers fn for every accepted update of itemID.
func (r *Reducer) Observe(itemID string, fn HistoryObserver) func() {
	r.mu.Lock()
	book := r.bookLocked(itemID, false)
	r.nextID++
	id := r.nextID
	book.observers[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if b, ok := r.items[itemID]; ok {
				delete(b.observers, id)
			}
			r.mu.Unlock()
		})
	}
}

// ObserveAll registers fn for accepted updates of every item.
func (r *Reducer) ObserveAll(fn HistoryObserver) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.all[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.all, id)
		r.mu.Unlock()
	}
}

// AwaitConfirmation returns a channel that receives the first accepted update
// matching expect. A match already in history resolves immediately.
func (r *Reducer) AwaitConfirmation(itemID string, expect Expectation) (<-chan domain.BidUpdate, func()) {
	ch := make(chan domain.BidUpdate, 1)

	r.mu.Lock()
	book := r.bookLocked(itemID, false)
	for _, u := range book.history {
		if expect.matches(u) {
			r.mu.Unlock()
			ch <- u
			return ch, func() {}
		}
	}
	r.nextID++
	id := r.nextID
	book.waiters[id] = &confirmationWaiter{expect: expect, ch: ch}
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		if b, ok := r.items[itemID]; ok {
			delete(b.waiters, id)
		}
		r.mu.Unlock()
	}
}

// Reset drops all state for itemID, including observers and waiters.
func (r *Reducer) Reset(itemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, itemID)
}
