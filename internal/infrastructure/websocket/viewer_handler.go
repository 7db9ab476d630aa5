package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"bidstream/internal/domain"
	"bidstream/internal/services"
	"bidstream/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // viewers are local UIs
	},
}

// ViewerSession is what the viewer socket needs from the bidding session.
type ViewerSession interface {
	Watch(itemID string) error
	Snapshot(itemID string) domain.HistorySnapshot
	ConnectionState() domain.ConnectionState
	Submit(ctx context.Context, itemID string, amount decimal.Decimal) (*services.Submission, error)
}

type ViewerHandler struct {
	session ViewerSession
	hub     *ViewerHub
	log     logger.Logger
}

func NewViewerHandler(session ViewerSession, hub *ViewerHub, log logger.Logger) *ViewerHandler {
	return &ViewerHandler{
		session: session,
		hub:     hub,
		log:     log,
	}
}

// RegisterRoutes mounts the viewer socket on r.
func (h *ViewerHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws/items/{itemID}", h.HandleConnection)
}

func (h *ViewerHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["itemID"]
	if itemID == "" {
		http.Error(w, "item id required", http.StatusBadRequest)
		return
	}

	viewerID := r.URL.Query().Get("viewer_id")
	if viewerID == "" {
		viewerID = uuid.NewString()
	}

	if err := h.session.Watch(itemID); err != nil {
		h.log.Error("Failed to watch item", "item_id", itemID, "error", err)
		http.Error(w, "failed to watch item", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	socket := NewViewerSocket(conn, viewerID, itemID)
	h.hub.Register(socket)

	if err := socket.SendJSON(ConnectionMessage(h.session.ConnectionState())); err != nil {
		h.log.Warn("Failed to send initial state", "viewer_id", viewerID, "error", err)
	}
	if err := socket.SendJSON(HistoryMessage(h.session.Snapshot(itemID))); err != nil {
		h.log.Warn("Failed to send initial history", "viewer_id", viewerID, "error", err)
	}

	go h.handleMessages(socket)
}

type viewerRequest struct {
	Type   string `json:"type"`
	Amount string `json:"amount"`
}

func (h *ViewerHandler) handleMessages(socket *ViewerSocket) {
	defer func() {
		h.hub.Unregister(socket.ViewerID(), socket.ItemID())
		_ = socket.Close()
	}()

	for {
		var req viewerRequest
		if err := socket.conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("Viewer read ended", "viewer_id", socket.ViewerID(), "error", err)
			}
			return
		}

		switch req.Type {
		case "place_bid":
			h.handleBidMessage(socket, req)
		case "ping":
			_ = socket.SendJSON(map[string]string{"type": "pong"})
		default:
			_ = socket.SendJSON(ErrorMessage("unknown message type"))
		}
	}
}

func (h *ViewerHandler) handleBidMessage(socket *ViewerSocket, req viewerRequest) {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		_ = socket.SendJSON(ErrorMessage("invalid amount format"))
		return
	}

	sub, err := h.session.Submit(context.Background(), socket.ItemID(), amount)
	if err != nil {
		_ = socket.SendJSON(ErrorMessage(err.Error()))
		return
	}
	_ = socket.SendJSON(SubmissionMessage(sub.State()))
}

// ViewerSocket serializes writes to one gorilla connection.
type ViewerSocket struct {
	conn     *websocket.Conn
	viewerID string
	itemID   string
	writeMu  sync.Mutex
}

func NewViewerSocket(conn *websocket.Conn, viewerID, itemID string) *ViewerSocket {
	return &ViewerSocket{
		conn:     conn,
		viewerID: viewerID,
		itemID:   itemID,
	}
}

func (s *ViewerSocket) Send(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *ViewerSocket) SendJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(v)
}

func (s *ViewerSocket) Close() error {
	return s.conn.Close()
}

func (s *ViewerSocket) ViewerID() string {
	return s.viewerID
}

func (s *ViewerSocket) ItemID() string {
	return s.itemID
}
