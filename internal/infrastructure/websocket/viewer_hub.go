package websocket

import (
	"encoding/json"
	"sync"

	"bidstream/internal/domain"
	"bidstream/pkg/logger"
)

// ViewerConnection is one local UI socket following an item.
type ViewerConnection interface {
	Send(payload []byte) error
	Close() error
	ViewerID() string
	ItemID() string
}

// ViewerMessage is the envelope pushed to local viewers.
type ViewerMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type connectionPayload struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

type submissionPayload struct {
	ItemID    string `json:"item_id"`
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Error     string `json:"error,omitempty"`
}

func HistoryMessage(snapshot domain.HistorySnapshot) ViewerMessage {
	return ViewerMessage{Type: "history", Payload: snapshot}
}

func ConnectionMessage(state domain.ConnectionState) ViewerMessage {
	p := connectionPayload{Status: state.Status.String(), Attempt: state.Attempt}
	if state.Err != nil {
		p.Error = state.Err.Error()
	}
	return ViewerMessage{Type: "connection", Payload: p}
}

func SubmissionMessage(state domain.SubmissionState) ViewerMessage {
	p := submissionPayload{
		ItemID:    state.ItemID,
		Status:    state.Status.String(),
		RequestID: state.RequestID,
	}
	if !state.Amount.IsZero() {
		p.Amount = state.Amount.StringFixed(2)
	}
	if state.Err != nil {
		p.Error = state.Err.Error()
	}
	return ViewerMessage{Type: "submission", Payload: p}
}

func ErrorMessage(msg string) ViewerMessage {
	return ViewerMessage{Type: "error", Payload: map[string]string{"message": msg}}
}

// ViewerHub tracks viewer sockets per item and fans messages out to them.
type ViewerHub struct {
	connections map[string]map[string]ViewerConnection // itemID -> viewerID -> connection
	mutex       sync.RWMutex
	log         logger.Logger
}

func NewViewerHub(log logger.Logger) *ViewerHub {
	return &ViewerHub{
		connections: make(map[string]map[string]ViewerConnection),
		log:         log,
	}
}

func (h *ViewerHub) Register(conn ViewerConnection) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	itemID := conn.ItemID()
	if h.connections[itemID] == nil {
		h.connections[itemID] = make(map[string]ViewerConnection)
	}
	h.connections[itemID][conn.ViewerID()] = conn

	h.log.Info("Viewer registered", "viewer_id", conn.ViewerID(), "item_id", itemID)
}

func (h *ViewerHub) Unregister(viewerID, itemID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if itemConns, exists := h.connections[itemID]; exists {
		delete(itemConns, viewerID)
		if len(itemConns) == 0 {
			delete(h.connections, itemID)
		}
	}

	h.log.Info("Viewer unregistered", "viewer_id", viewerID, "item_id", itemID)
}

// CloseItem closes and forgets every viewer of itemID.
func (h *ViewerHub) CloseItem(itemID string) {
	h.mutex.Lock()
	itemConns := h.connections[itemID]
	delete(h.connections, itemID)
	h.mutex.Unlock()

	for viewerID, conn := range itemConns {
		if err := conn.Close(); err != nil {
			h.log.Error("Failed to close viewer", "viewer_id", viewerID, "item_id", itemID, "error", err)
		}
	}
}

func (h *ViewerHub) CloseAll() {
	h.mutex.RLock()
	items := make([]string, 0, len(h.connections))
	for itemID := range h.connections {
		items = append(items, itemID)
	}
	h.mutex.RUnlock()

	for _, itemID := range items {
		h.CloseItem(itemID)
	}
}

func (h *ViewerHub) ConnectionsForItem(itemID string) []ViewerConnection {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	var connections []ViewerConnection
	for _, conn := range h.connections[itemID] {
		connections = append(connections, conn)
	}
	return connections
}

func (h *ViewerHub) allConnections() []ViewerConnection {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	var connections []ViewerConnection
	for _, itemConns := range h.connections {
		for _, conn := range itemConns {
			connections = append(connections, conn)
		}
	}
	return connections
}

func (h *ViewerHub) BroadcastToItem(itemID string, message interface{}) error {
	return h.send(h.ConnectionsForItem(itemID), message)
}

// Broadcast sends message to every viewer of every item.
func (h *ViewerHub) Broadcast(message interface{}) error {
	return h.send(h.allConnections(), message)
}

func (h *ViewerHub) send(connections []ViewerConnection, message interface{}) error {
	if len(connections) == 0 {
		return nil
	}
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	for _, conn := range connections {
		if err := conn.Send(messageBytes); err != nil {
			// Continue to other viewers
			h.log.Error("Failed to send to viewer", "viewer_id", conn.ViewerID(),
				"item_id", conn.ItemID(), "error", err)
		}
	}
	return nil
}
