package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"bidstream/internal/domain"
	"bidstream/internal/services"
	"bidstream/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

// BidSession is the part of the bidding session the HTTP API serves.
type BidSession interface {
	ConnectionState() domain.ConnectionState
	Retry(ctx context.Context) error
	Watch(itemID string) error
	Snapshot(itemID string) domain.HistorySnapshot
	HighestBid(itemID string) (domain.BidUpdate, bool)
	Submit(ctx context.Context, itemID string, amount decimal.Decimal) (*services.Submission, error)
	SubmissionState(itemID string) domain.SubmissionState
}

type BidHandler struct {
	session     BidSession
	waitTimeout time.Duration
	log         logger.Logger
}

// NewBidHandler builds the API handler. waitTimeout bounds how long a submit
// with ?wait=true blocks for the outcome.
func NewBidHandler(session BidSession, waitTimeout time.Duration, log logger.Logger) *BidHandler {
	if waitTimeout <= 0 {
		waitTimeout = services.DefaultSubmitTimeout + services.DefaultConfirmTimeout
	}
	return &BidHandler{
		session:     session,
		waitTimeout: waitTimeout,
		log:         log,
	}
}

func (h *BidHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/connection", h.GetConnection)
	g.POST("/connection/retry", h.RetryConnection)
	g.GET("/items/:id/bids", h.GetBids)
	g.GET("/items/:id/highest", h.GetHighest)
	g.POST("/items/:id/watch", h.WatchItem)
	g.POST("/items/:id/bids", h.PlaceBid)
	g.GET("/items/:id/submission", h.GetSubmission)
}

type ConnectionResponse struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

type PlaceBidRequest struct {
	Amount string `json:"amount"`
}

type SubmissionResponse struct {
	ItemID    string            `json:"item_id"`
	Status    string            `json:"status"`
	RequestID string            `json:"request_id,omitempty"`
	Amount    string            `json:"amount,omitempty"`
	Error     string            `json:"error,omitempty"`
	Confirmed *domain.BidUpdate `json:"confirmed,omitempty"`
}

func toConnectionResponse(st domain.ConnectionState) ConnectionResponse {
	resp := ConnectionResponse{Status: st.Status.String(), Attempt: st.Attempt}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	return resp
}

func toSubmissionResponse(st domain.SubmissionState) SubmissionResponse {
	resp := SubmissionResponse{
		ItemID:    st.ItemID,
		Status:    st.Status.String(),
		RequestID: st.RequestID,
		Confirmed: st.Confirmed,
	}
	if st.Status != domain.SubmissionIdle {
		resp.Amount = st.Amount.StringFixed(2)
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	return resp
}

func (h *BidHandler) GetConnection(c echo.Context) error {
	return c.JSON(http.StatusOK, toConnectionResponse(h.session.ConnectionState()))
}

func (h *BidHandler) RetryConnection(c echo.Context) error {
	h.log.Info("RetryConnection endpoint called", "remote_addr", c.RealIP())

	if err := h.session.Retry(c.Request().Context()); err != nil {
		return c.JSON(http.StatusBadGateway, toConnectionResponse(h.session.ConnectionState()))
	}
	return c.JSON(http.StatusOK, toConnectionResponse(h.session.ConnectionState()))
}

func (h *BidHandler) GetBids(c echo.Context) error {
	return c.JSON(http.StatusOK, h.session.Snapshot(c.Param("id")))
}

func (h *BidHandler) GetHighest(c echo.Context) error {
	itemID := c.Param("id")
	highest, ok := h.session.HighestBid(itemID)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "No bids for item"})
	}
	return c.JSON(http.StatusOK, highest)
}

func (h *BidHandler) WatchItem(c echo.Context) error {
	itemID := c.Param("id")
	if err := h.session.Watch(itemID); err != nil {
		h.log.Error("Failed to watch item", "item_id", itemID, "error", err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"item_id": itemID, "message": "Watching item"})
}

func (h *BidHandler) PlaceBid(c echo.Context) error {
	itemID := c.Param("id")

	var req PlaceBidRequest
	if err := c.Bind(&req); err != nil {
		h.log.Error("Failed to bind request", "error", err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid amount format"})
	}

	sub, err := h.session.Submit(c.Request().Context(), itemID, amount)
	switch {
	case errors.Is(err, domain.ErrValidationFailed):
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrAlreadySubmitting):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		h.log.Error("Failed to submit bid", "item_id", itemID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to submit bid"})
	}

	if c.QueryParam("wait") != "true" {
		return c.JSON(http.StatusAccepted, toSubmissionResponse(sub.State()))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.waitTimeout)
	defer cancel()
	st, err := sub.Wait(ctx)
	if err != nil {
		return c.JSON(http.StatusAccepted, toSubmissionResponse(st))
	}
	if st.Status == domain.SubmissionFailed {
		return c.JSON(statusForFailure(st.Err), toSubmissionResponse(st))
	}
	return c.JSON(http.StatusOK, toSubmissionResponse(st))
}

func statusForFailure(err error) int {
	switch {
	case errors.Is(err, domain.ErrServerRejected):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSubmitTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (h *BidHandler) GetSubmission(c echo.Context) error {
	return c.JSON(http.StatusOK, toSubmissionResponse(h.session.SubmissionState(c.Param("id"))))
}
