package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bidstream/internal/domain"
	"bidstream/internal/services"
	"bidstream/pkg/logger"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingSubmitter struct {
	release chan struct{}
}

func (b *blockingSubmitter) SubmitBid(ctx context.Context, itemID string, amount decimal.Decimal, bidderID string) (domain.Ack, error) {
	<-b.release
	return domain.Ack{}, &domain.ServerRejectedError{Reason: "outbid"}
}

type stubSession struct {
	reducer     *services.Reducer
	coordinator *services.SubmissionCoordinator
	watchErr    error

	mu      sync.Mutex
	watched []string
}

func newStubSession(submitter domain.BidSubmitter) *stubSession {
	r := services.NewReducer(logger.NewNop())
	c := services.NewSubmissionCoordinator(submitter, r, services.NewBandIncrementPolicy(nil),
		services.SubmissionConfig{BidderID: "me", ConfirmTimeout: 50 * time.Millisecond}, logger.NewNop())
	return &stubSession{reducer: r, coordinator: c}
}

func (s *stubSession) Watch(itemID string) error {
	if s.watchErr != nil {
		return s.watchErr
	}
	s.mu.Lock()
	s.watched = append(s.watched, itemID)
	s.mu.Unlock()
	return nil
}

func (s *stubSession) Snapshot(itemID string) domain.HistorySnapshot {
	return s.reducer.Snapshot(itemID)
}

func (s *stubSession) ConnectionState() domain.ConnectionState {
	return domain.ConnectionState{Status: domain.ConnectionConnected}
}

func (s *stubSession) Submit(ctx context.Context, itemID string, amount decimal.Decimal) (*services.Submission, error) {
	return s.coordinator.Submit(ctx, itemID, amount)
}

func newViewerServer(t *testing.T, session ViewerSession) (*httptest.Server, *ViewerHub) {
	t.Helper()
	hub := NewViewerHub(logger.NewNop())
	router := mux.NewRouter()
	NewViewerHandler(session, hub, logger.NewNop()).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return srv, hub
}

func readViewerMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestViewerHandler_Session(t *testing.T) {
	submitter := &blockingSubmitter{release: make(chan struct{})}
	defer close(submitter.release)
	session := newStubSession(submitter)
	session.reducer.Apply(domain.BidUpdate{ItemID: "42", Amount: decimal.NewFromInt(100), Sequence: 1,
		Timestamp: time.Unix(1700000000, 0).UTC()})

	srv, hub := newViewerServer(t, session)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/items/42?viewer_id=v1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readViewerMessage(t, conn)
	assert.Equal(t, "connection", first["type"])
	assert.Equal(t, "connected", first["payload"].(map[string]interface{})["status"])

	history := readViewerMessage(t, conn)
	assert.Equal(t, "history", history["type"])
	payload := history["payload"].(map[string]interface{})
	assert.Len(t, payload["history"], 1)

	session.mu.Lock()
	assert.Equal(t, []string{"42"}, session.watched)
	session.mu.Unlock()
	require.Len(t, hub.ConnectionsForItem("42"), 1)
	assert.Equal(t, "v1", hub.ConnectionsForItem("42")[0].ViewerID())

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readViewerMessage(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "place_bid", "amount": "abc"}))
	assert.Equal(t, "error", readViewerMessage(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "place_bid", "amount": "101"}))
	rejected := readViewerMessage(t, conn)
	assert.Equal(t, "error", rejected["type"])
	assert.Contains(t, rejected["payload"].(map[string]interface{})["message"], "validation")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "place_bid", "amount": "150"}))
	accepted := readViewerMessage(t, conn)
	assert.Equal(t, "submission", accepted["type"])
	sub := accepted["payload"].(map[string]interface{})
	assert.Equal(t, "submitting", sub["status"])
	assert.Equal(t, "150.00", sub["amount"])

	require.NoError(t, hub.BroadcastToItem("42", ErrorMessage("feed down")))
	assert.Equal(t, "error", readViewerMessage(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "bogus"}))
	assert.Equal(t, "error", readViewerMessage(t, conn)["type"])

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return len(hub.ConnectionsForItem("42")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestViewerHandler_WatchFailure(t *testing.T) {
	session := newStubSession(&blockingSubmitter{release: make(chan struct{})})
	session.watchErr = errors.New("feed unavailable")
	srv, hub := newViewerServer(t, session)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/items/42"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, hub.ConnectionsForItem("42"))
}
