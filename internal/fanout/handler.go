package fanout

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP connections into room subscriptions.
type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewHandler creates a WebSocket handler on top of the room manager.
func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{manager: manager, logger: logger}
}

// Register adds the WebSocket routes to an existing router.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/ws/auctions/{id}", h.ServeWS)
	router.HandleFunc("/stats/auctions/{id}", h.GetStats).Methods(http.MethodGet)
}

// ServeWS upgrades the connection and joins the auction's room. The first
// message delivered is always the current snapshot.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	if auctionID == "" {
		http.Error(w, "auction ID is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", "error", err)
		return
	}

	client := &Client{
		ID:        uuid.New().String(),
		AuctionID: auctionID,
		Conn:      conn,
		Send:      make(chan []byte, 256),
	}

	go client.writePump()
	go client.readPump(h.manager)
	h.manager.Join(client)
}

// GetStats returns the subscriber count for an auction's room.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["id"]
	count := h.manager.SubscriberCount(auctionID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"auction_id":%q,"subscribers":%d}`, auctionID, count)
}
