package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bidstream/internal/domain"
	"bidstream/internal/services"
	"bidstream/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submitFunc func(ctx context.Context, itemID string, amount decimal.Decimal, bidderID string) (domain.Ack, error)

func (f submitFunc) SubmitBid(ctx context.Context, itemID string, amount decimal.Decimal, bidderID string) (domain.Ack, error) {
	return f(ctx, itemID, amount, bidderID)
}

type stubSession struct {
	reducer     *services.Reducer
	coordinator *services.SubmissionCoordinator
	state       domain.ConnectionState
	retryErr    error
	watchErr    error
	watched     []string
}

func newStubSession(submit submitFunc) *stubSession {
	r := services.NewReducer(logger.NewNop())
	c := services.NewSubmissionCoordinator(submit, r, services.NewBandIncrementPolicy(nil), services.SubmissionConfig{
		BidderID:       "me",
		SubmitTimeout:  time.Second,
		ConfirmTimeout: 100 * time.Millisecond,
	}, logger.NewNop())
	return &stubSession{
		reducer:     r,
		coordinator: c,
		state:       domain.ConnectionState{Status: domain.ConnectionConnected},
	}
}

func (s *stubSession) ConnectionState() domain.ConnectionState { return s.state }

func (s *stubSession) Retry(context.Context) error {
	if s.retryErr != nil {
		s.state = domain.ConnectionState{Status: domain.ConnectionFailed, Err: s.retryErr}
		return s.retryErr
	}
	s.state = domain.ConnectionState{Status: domain.ConnectionConnected}
	return nil
}

func (s *stubSession) Watch(itemID string) error {
	if s.watchErr != nil {
		return s.watchErr
	}
	s.watched = append(s.watched, itemID)
	return nil
}

func (s *stubSession) Snapshot(itemID string) domain.HistorySnapshot { return s.reducer.Snapshot(itemID) }

func (s *stubSession) HighestBid(itemID string) (domain.BidUpdate, bool) { return s.reducer.Highest(itemID) }

func (s *stubSession) Submit(ctx context.Context, itemID string, amount decimal.Decimal) (*services.Submission, error) {
	return s.coordinator.Submit(ctx, itemID, amount)
}

func (s *stubSession) SubmissionState(itemID string) domain.SubmissionState {
	return s.coordinator.State(itemID)
}

func newTestServer(session BidSession) *echo.Echo {
	e := echo.New()
	NewBidHandler(session, 2*time.Second, logger.NewNop()).RegisterRoutes(e.Group("/api/v1"))
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// confirmingSubmit acks and echoes the bid back through the reducer the way
// the feed would.
func confirmingSubmit(r func() *services.Reducer) submitFunc {
	return func(_ context.Context, itemID string, amount decimal.Decimal, bidderID string) (domain.Ack, error) {
		highest, _ := r().Highest(itemID)
		seq := highest.Sequence + 1
		r().Apply(domain.BidUpdate{ItemID: itemID, Amount: amount, Bidder: &domain.Bidder{ID: bidderID},
			Sequence: seq, Timestamp: time.Now().UTC()})
		return domain.Ack{RequestID: "r", ItemID: itemID, Sequence: seq}, nil
	}
}

func TestBidHandler_Connection(t *testing.T) {
	session := newStubSession(nil)
	e := newTestServer(session)

	rec := do(e, http.MethodGet, "/api/v1/connection", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "connected", decode(t, rec)["status"])

	session.retryErr = &domain.ConnectionError{Kind: domain.ConnNetworkUnreachable, Err: errors.New("refused")}
	rec = do(e, http.MethodPost, "/api/v1/connection/retry", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["error"], "network_unreachable")

	session.retryErr = nil
	rec = do(e, http.MethodPost, "/api/v1/connection/retry", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBidHandler_Reads(t *testing.T) {
	session := newStubSession(nil)
	e := newTestServer(session)

	rec := do(e, http.MethodGet, "/api/v1/items/42/highest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	session.reducer.Apply(domain.BidUpdate{ItemID: "42", Amount: decimal.NewFromInt(100), Sequence: 1,
		Bidder: &domain.Bidder{ID: "A"}, Timestamp: time.Unix(1700000000, 0).UTC()})
	session.reducer.Apply(domain.BidUpdate{ItemID: "42", Amount: decimal.NewFromInt(90), Sequence: 2,
		Timestamp: time.Unix(1700000001, 0).UTC()})

	rec = do(e, http.MethodGet, "/api/v1/items/42/highest", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100", decode(t, rec)["amount"])

	rec = do(e, http.MethodGet, "/api/v1/items/42/bids", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var snapshot domain.HistorySnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	require.Len(t, snapshot.History, 2)
	assert.Equal(t, uint64(2), snapshot.History[0].Sequence)
	assert.Equal(t, domain.ItemStats{TotalBids: 2, UniqueBidders: 1}, snapshot.Stats)

	rec = do(e, http.MethodGet, "/api/v1/items/42/submission", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", decode(t, rec)["status"])
}

func TestBidHandler_WatchItem(t *testing.T) {
	session := newStubSession(nil)
	e := newTestServer(session)

	rec := do(e, http.MethodPost, "/api/v1/items/42/watch", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"42"}, session.watched)

	session.watchErr = errors.New("subscribe failed")
	rec = do(e, http.MethodPost, "/api/v1/items/43/watch", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBidHandler_PlaceBidValidation(t *testing.T) {
	session := newStubSession(nil)
	session.reducer.Apply(domain.BidUpdate{ItemID: "42", Amount: decimal.NewFromInt(100), Sequence: 1})
	e := newTestServer(session)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{"amount":`, http.StatusBadRequest},
		{"not a number", `{"amount":"lots"}`, http.StatusBadRequest},
		{"not above highest", `{"amount":"100"}`, http.StatusUnprocessableEntity},
		{"below increment", `{"amount":"105"}`, http.StatusUnprocessableEntity},
		{"negative", `{"amount":"-1"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, "/api/v1/items/42/bids", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
}

func TestBidHandler_PlaceBidWaitOutcomes(t *testing.T) {
	var session *stubSession
	tests := []struct {
		name   string
		submit submitFunc
		code   int
		status string
	}{
		{"confirmed", confirmingSubmit(func() *services.Reducer { return session.reducer }), http.StatusOK, "succeeded"},
		{"rejected", func(context.Context, string, decimal.Decimal, string) (domain.Ack, error) {
			return domain.Ack{}, &domain.ServerRejectedError{Reason: "outbid"}
		}, http.StatusConflict, "failed"},
		{"never confirmed", func(_ context.Context, itemID string, _ decimal.Decimal, _ string) (domain.Ack, error) {
			return domain.Ack{RequestID: "r", ItemID: itemID}, nil
		}, http.StatusGatewayTimeout, "failed"},
		{"transport", func(context.Context, string, decimal.Decimal, string) (domain.Ack, error) {
			return domain.Ack{}, domain.ErrNotConnected
		}, http.StatusBadGateway, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session = newStubSession(tt.submit)
			e := newTestServer(session)

			rec := do(e, http.MethodPost, "/api/v1/items/42/bids?wait=true", `{"amount":"25.50"}`)
			assert.Equal(t, tt.code, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, tt.status, body["status"])
			assert.Equal(t, "25.50", body["amount"])
			assert.Equal(t, "42", body["item_id"])
		})
	}
}

func TestBidHandler_PlaceBidAsyncAndConflict(t *testing.T) {
	release := make(chan struct{})
	session := newStubSession(func(context.Context, string, decimal.Decimal, string) (domain.Ack, error) {
		<-release
		return domain.Ack{}, &domain.ServerRejectedError{Reason: "outbid"}
	})
	e := newTestServer(session)

	rec := do(e, http.MethodPost, "/api/v1/items/42/bids", `{"amount":"10"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "submitting", decode(t, rec)["status"])

	rec = do(e, http.MethodPost, "/api/v1/items/42/bids", `{"amount":"20"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(e, http.MethodGet, "/api/v1/items/42/submission", "")
	assert.Equal(t, "submitting", decode(t, rec)["status"])

	close(release)
	require.Eventually(t, func() bool {
		return session.SubmissionState("42").Status == domain.SubmissionFailed
	}, 2*time.Second, 10*time.Millisecond)
}
