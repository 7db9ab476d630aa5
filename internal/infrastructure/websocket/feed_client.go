package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"bidstream/internal/domain"
	"bidstream/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// TokenSource supplies the bearer token for each dial.
type TokenSource func(ctx context.Context) (string, error)

type Option func(*FeedClient)

// WithTokenSource replaces the static token with one looked up on every dial,
// so reconnects pick up rotated tokens.
func WithTokenSource(src TokenSource) Option {
	return func(c *FeedClient) { c.tokens = src }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *FeedClient) { c.dialer = d }
}

type submitResult struct {
	ack domain.Ack
	err error
}

// FeedClient is the client side of the bid feed. One goroutine reads frames and
// dispatches them in arrival order; a dropped connection is re-established in
// the background and every item with live handlers is re-subscribed.
type FeedClient struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	tokens TokenSource
	log    logger.Logger

	// lifeMu serializes connect, drop handling and disconnect.
	lifeMu        sync.Mutex
	session       context.Context
	cancelSession context.CancelFunc
	cancelLoops   context.CancelFunc

	connMu sync.Mutex
	conn   *websocket.Conn

	wg sync.WaitGroup

	stateMu   sync.Mutex
	state     domain.ConnectionState
	obsMu     sync.Mutex
	nextObsID uint64
	statusObs map[uint64]func(domain.ConnectionState)
	errorObs  map[uint64]func(error)

	subMu     sync.Mutex
	nextSubID uint64
	subs      map[string]map[uint64]domain.FeedHandler

	pendMu  sync.Mutex
	pending map[string]chan submitResult
}

func NewFeedClient(cfg ClientConfig, log logger.Logger, opts ...Option) *FeedClient {
	cfg = cfg.normalize()
	c := &FeedClient{
		cfg:       cfg,
		log:       log,
		state:     domain.ConnectionState{Status: domain.ConnectionDisconnected},
		statusObs: make(map[uint64]func(domain.ConnectionState)),
		errorObs:  make(map[uint64]func(error)),
		subs:      make(map[string]map[uint64]domain.FeedHandler),
		pending:   make(map[string]chan submitResult),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	if c.tokens == nil {
		token := cfg.Token
		c.tokens = func(context.Context) (string, error) { return token, nil }
	}
	return c
}

// Connect dials the feed. It is a no-op while connected or while a background
// reconnect is running. A failed initial dial is not retried automatically.
func (c *FeedClient) Connect(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.session != nil {
		return nil
	}

	c.setState(domain.ConnectionConnecting, nil, 0)
	conn, err := c.dial(ctx)
	if err != nil {
		cerr := classifyConnError(err)
		c.log.Error("Failed to connect to bid feed", "url", c.cfg.URL, "error", cerr)
		c.setState(domain.ConnectionFailed, cerr, 0)
		c.emitError(cerr)
		return cerr
	}

	c.session, c.cancelSession = context.WithCancel(context.Background())
	c.attachLocked(conn)
	c.log.Info("Connected to bid feed", "url", c.cfg.URL)
	return nil
}

// Disconnect closes the connection, stops reconnecting, drops every handler and
// fails pending submissions. Calling it again is a no-op. It must not be
// called from a FeedHandler.
func (c *FeedClient) Disconnect() {
	c.lifeMu.Lock()
	if c.cancelSession != nil {
		c.cancelSession()
	}
	c.session, c.cancelSession = nil, nil
	c.detachLocked()
	c.lifeMu.Unlock()

	c.subMu.Lock()
	c.subs = make(map[string]map[uint64]domain.FeedHandler)
	c.subMu.Unlock()

	c.failPending(fmt.Errorf("%w: disconnected", domain.ErrTransport))
	c.wg.Wait()

	if c.State().Status != domain.ConnectionDisconnected {
		c.log.Info("Disconnected from bid feed")
	}
	c.setState(domain.ConnectionDisconnected, nil, 0)
}

func (c *FeedClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	token, err := c.tokens(dctx)
	if err != nil {
		return nil, fmt.Errorf("load session token: %w", err)
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := c.dialer.DialContext(dctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// attachLocked installs conn, starts its loops and restores subscriptions.
func (c *FeedClient) attachLocked(conn *websocket.Conn) {
	loopCtx, cancel := context.WithCancel(c.session)
	c.cancelLoops = cancel

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.setState(domain.ConnectionConnected, nil, 0)
	c.resubscribe()

	c.wg.Add(2)
	go c.readLoop(loopCtx, conn)
	go c.pingLoop(loopCtx)
}

func (c *FeedClient) detachLocked() {
	if c.cancelLoops != nil {
		c.cancelLoops()
		c.cancelLoops = nil
	}
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = conn.Close()
}

func (c *FeedClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handleDrop(conn, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *FeedClient) pingLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(outboundMessage{Type: msgPing}); err != nil {
				c.log.Debug("Heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (c *FeedClient) handleDrop(conn *websocket.Conn, cause error) {
	c.lifeMu.Lock()
	c.connMu.Lock()
	current := c.conn
	c.connMu.Unlock()
	if c.session == nil || current != conn {
		c.lifeMu.Unlock()
		return
	}
	c.detachLocked()
	session := c.session
	c.wg.Add(1)
	c.lifeMu.Unlock()

	cerr := classifyConnError(cause)
	c.log.Warn("Bid feed connection dropped", "error", cerr)
	c.failPending(fmt.Errorf("%w: connection lost", domain.ErrTransport))
	c.emitError(cerr)

	go c.reconnectLoop(session)
}

func (c *FeedClient) reconnectLoop(session context.Context) {
	defer c.wg.Done()
	b := newBackoff(c.cfg)

	for attempt := 1; c.cfg.ReconnectMax <= 0 || attempt <= c.cfg.ReconnectMax; attempt++ {
		c.setState(domain.ConnectionConnecting, nil, attempt)
		delay := b.Next()
		c.log.Info("Reconnecting to bid feed", "attempt", attempt, "delay", delay.String())
		timer := time.NewTimer(delay)
		select {
		case <-session.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := c.dial(session)
		if err == nil {
			c.lifeMu.Lock()
			if session.Err() != nil || c.session != session {
				c.lifeMu.Unlock()
				_ = conn.Close()
				return
			}
			c.attachLocked(conn)
			c.lifeMu.Unlock()
			c.log.Info("Reconnected to bid feed", "attempt", attempt)
			return
		}
		if session.Err() != nil {
			return
		}
		cerr := classifyConnError(err)
		c.log.Warn("Reconnect attempt failed", "attempt", attempt, "error", cerr)
		c.setState(domain.ConnectionFailed, cerr, attempt)
		c.emitError(cerr)
	}

	c.log.Error("Giving up reconnecting to bid feed", "attempts", c.cfg.ReconnectMax)
	c.lifeMu.Lock()
	if c.session == session {
		c.cancelSession()
		c.session, c.cancelSession = nil, nil
	}
	c.lifeMu.Unlock()
}

func (c *FeedClient) resubscribe() {
	c.subMu.Lock()
	items := make([]string, 0, len(c.subs))
	for itemID := range c.subs {
		items = append(items, itemID)
	}
	c.subMu.Unlock()

	for _, itemID := range items {
		if err := c.write(subscribeMessage(itemID)); err != nil {
			c.log.Warn("Failed to resubscribe", "item_id", itemID, "error", err)
		}
	}
}

func (c *FeedClient) write(msg outboundMessage) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return domain.ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *FeedClient) dispatch(data []byte) {
	msgs, err := decodeFrame(data)
	if err != nil {
		c.log.Warn("Dropping malformed feed message", "error", err)
		c.emitError(err)
	}

	for _, msg := range msgs {
		switch msg.Type {
		case msgBidUpdate, msgAuctionEnded, msgAuctionExtended:
			c.deliver(*msg.Event)
		case msgBidAck:
			c.resolvePending(msg.Ack.RequestID, submitResult{ack: *msg.Ack})
		case msgBidRejected:
			c.resolvePending(msg.RequestID, submitResult{err: &domain.ServerRejectedError{Reason: msg.Reason}})
		case msgError:
			c.log.Warn("Feed reported an error", "message", msg.Reason, "request_id", msg.RequestID)
			if msg.RequestID != "" {
				c.resolvePending(msg.RequestID, submitResult{err: &domain.ServerRejectedError{Reason: msg.Reason}})
				continue
			}
			c.emitError(fmt.Errorf("feed error: %s", msg.Reason))
		case msgPong:
		default:
			c.log.Debug("Ignoring unknown feed message", "type", msg.Type)
		}
	}
}

func (c *FeedClient) deliver(event domain.FeedEvent) {
	c.subMu.Lock()
	set := c.subs[event.ItemID]
	handlers := make([]domain.FeedHandler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	c.subMu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// Subscribe registers handler for itemID's events. The first handler for an
// item subscribes on the wire; the returned func detaches exactly this
// handler, and the last detach unsubscribes on the wire.
func (c *FeedClient) Subscribe(itemID string, handler domain.FeedHandler) (func(), error) {
	if itemID == "" {
		return nil, errors.New("item id is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	c.subMu.Lock()
	set, ok := c.subs[itemID]
	if !ok {
		set = make(map[uint64]domain.FeedHandler)
		c.subs[itemID] = set
	}
	first := len(set) == 0
	c.nextSubID++
	id := c.nextSubID
	set[id] = handler
	c.subMu.Unlock()

	if first {
		c.sendSubscription(subscribeMessage(itemID))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			set, ok := c.subs[itemID]
			if !ok {
				c.subMu.Unlock()
				return
			}
			delete(set, id)
			last := len(set) == 0
			if last {
				delete(c.subs, itemID)
			}
			c.subMu.Unlock()
			if last {
				c.sendSubscription(unsubscribeMessage(itemID))
			}
		})
	}, nil
}

// sendSubscription writes msg if connected. While disconnected, registrations
// are replayed on the next successful connect instead.
func (c *FeedClient) sendSubscription(msg outboundMessage) {
	err := c.write(msg)
	if err == nil || errors.Is(err, domain.ErrNotConnected) {
		return
	}
	c.log.Warn("Failed to send subscription", "type", msg.Type, "item_id", msg.ItemID, "error", err)
	c.emitError(fmt.Errorf("%w: %v", domain.ErrTransport, err))
}

// SubmitBid sends a bid and waits for the server's acknowledgement. An ack
// means accepted for processing; the confirmed update arrives on the feed.
func (c *FeedClient) SubmitBid(ctx context.Context, itemID string, amount decimal.Decimal, bidderID string) (domain.Ack, error) {
	requestID := uuid.NewString()
	ch := make(chan submitResult, 1)

	c.pendMu.Lock()
	c.pending[requestID] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, requestID)
		c.pendMu.Unlock()
	}()

	if err := c.write(placeBidMessage(requestID, itemID, amount, bidderID)); err != nil {
		return domain.Ack{}, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	c.log.Debug("Bid sent", "item_id", itemID, "request_id", requestID, "amount", amount.String())

	timer := time.NewTimer(c.cfg.SubmitTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err == nil && res.ack.ItemID == "" {
			res.ack.ItemID = itemID
		}
		return res.ack, res.err
	case <-timer.C:
		return domain.Ack{}, domain.ErrSubmitTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.Ack{}, domain.ErrSubmitTimeout
		}
		return domain.Ack{}, fmt.Errorf("%w: %v", domain.ErrTransport, ctx.Err())
	}
}

func (c *FeedClient) resolvePending(requestID string, res submitResult) {
	c.pendMu.Lock()
	ch, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.pendMu.Unlock()
	if !ok {
		c.log.Debug("No pending submission for response", "request_id", requestID)
		return
	}
	ch <- res
}

func (c *FeedClient) failPending(err error) {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	for id, ch := range c.pending {
		ch <- submitResult{err: err}
		delete(c.pending, id)
	}
}

func (c *FeedClient) State() domain.ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *FeedClient) setState(status domain.ConnectionStatus, err error, attempt int) {
	st := domain.ConnectionState{Status: status, Err: err, Attempt: attempt}
	c.stateMu.Lock()
	c.state = st
	c.stateMu.Unlock()

	c.obsMu.Lock()
	observers := make([]func(domain.ConnectionState), 0, len(c.statusObs))
	for _, fn := range c.statusObs {
		observers = append(observers, fn)
	}
	c.obsMu.Unlock()
	for _, fn := range observers {
		fn(st)
	}
}

func (c *FeedClient) OnConnectionStatus(cb func(domain.ConnectionState)) func() {
	c.obsMu.Lock()
	c.nextObsID++
	id := c.nextObsID
	c.statusObs[id] = cb
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.statusObs, id)
		c.obsMu.Unlock()
	}
}

func (c *FeedClient) OnError(cb func(error)) func() {
	c.obsMu.Lock()
	c.nextObsID++
	id := c.nextObsID
	c.errorObs[id] = cb
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.errorObs, id)
		c.obsMu.Unlock()
	}
}

func (c *FeedClient) emitError(err error) {
	c.obsMu.Lock()
	observers := make([]func(error), 0, len(c.errorObs))
	for _, fn := range c.errorObs {
		observers = append(observers, fn)
	}
	c.obsMu.Unlock()
	for _, fn := range observers {
		fn(err)
	}
}

func classifyConnError(err error) *domain.ConnectionError {
	var cerr *domain.ConnectionError
	if errors.As(err, &cerr) {
		return cerr
	}
	var netErr net.Error
	var closeErr *websocket.CloseError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &domain.ConnectionError{Kind: domain.ConnTimeout, Err: err}
	case errors.Is(err, websocket.ErrBadHandshake), errors.As(err, &closeErr):
		return &domain.ConnectionError{Kind: domain.ConnProtocolError, Err: err}
	default:
		return &domain.ConnectionError{Kind: domain.ConnNetworkUnreachable, Err: err}
	}
}
