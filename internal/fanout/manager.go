// Package fanout broadcasts auction state changes to per-auction rooms of
// WebSocket subscribers. A joining subscriber always receives the
// authoritative current snapshot before any live event, and events for one
// auction reach every subscriber in the order they were committed upstream.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
)

// SnapshotFunc returns the authoritative current state of an auction,
// never a stale cache.
type SnapshotFunc func(ctx context.Context, auctionID string) (*models.Auction, error)

// Client is one WebSocket subscriber in an auction room.
type Client struct {
	ID        string
	AuctionID string
	Conn      *websocket.Conn
	Send      chan []byte
}

// roomOp is one queued room operation; exactly one field is set.
type roomOp struct {
	join    *Client
	leave   *Client
	payload []byte
}

// room fans messages out to one auction's subscribers. Each room runs its
// own loop goroutine: joins, leaves and broadcasts for one auction are
// processed in arrival order, and a slow join snapshot stalls only that
// auction, never delivery to the others.
type room struct {
	auctionID string
	ops       chan roomOp

	mu      sync.RWMutex
	clients map[*Client]bool
}

// Manager owns every room.
type Manager struct {
	snapshot SnapshotFunc
	logger   *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*room
	done  chan struct{}
}

// NewManager creates a room manager using snapshot for join-time state.
func NewManager(snapshot SnapshotFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		snapshot: snapshot,
		logger:   logger,
		rooms:    make(map[string]*room),
		done:     make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, then stops every room loop and closes
// the remaining connections. Run in a goroutine.
func (m *Manager) Run(ctx context.Context) {
	<-ctx.Done()
	close(m.done)
}

// room returns the auction's room, creating it and starting its loop when
// create is set.
func (m *Manager) room(auctionID string, create bool) *room {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[auctionID]
	if r == nil && create {
		r = &room{
			auctionID: auctionID,
			ops:       make(chan roomOp, 256),
			clients:   make(map[*Client]bool),
		}
		m.rooms[auctionID] = r
		go r.run(m)
	}
	return r
}

// Join adds a subscriber to its auction's room. The snapshot is delivered
// as the first message on the client's send channel.
func (m *Manager) Join(client *Client) {
	r := m.room(client.AuctionID, true)
	select {
	case r.ops <- roomOp{join: client}:
	case <-m.done:
	}
}

// Leave removes a subscriber and closes its send channel. Never blocks
// after shutdown, when no room loop is left to receive the op.
func (m *Manager) Leave(client *Client) {
	r := m.room(client.AuctionID, false)
	if r == nil {
		return
	}
	select {
	case r.ops <- roomOp{leave: client}:
	case <-m.done:
	}
}

// Broadcast queues an already-serialized fanout message for delivery to the
// auction's room. Never blocks: a room whose queue is full has the message
// dropped rather than stalling the caller, which feeds every room.
func (m *Manager) Broadcast(auctionID string, payload []byte) {
	r := m.room(auctionID, false)
	if r == nil {
		return
	}
	select {
	case r.ops <- roomOp{payload: payload}:
	case <-m.done:
	default:
		m.logger.Warn("room queue full, dropping broadcast", "auction_id", auctionID)
	}
}

// SubscriberCount returns the number of clients in an auction's room.
func (m *Manager) SubscriberCount(auctionID string) int {
	r := m.room(auctionID, false)
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *room) run(m *Manager) {
	for {
		select {
		case <-m.done:
			r.closeAll()
			return
		case op := <-r.ops:
			switch {
			case op.join != nil:
				r.handleJoin(m, op.join)
			case op.leave != nil:
				r.handleLeave(m, op.leave)
			default:
				r.handleBroadcast(m, op.payload)
			}
		}
	}
}

// handleJoin fetches the snapshot, then adds membership, inside the room's
// single loop: no broadcast to this room can interleave between the two, so
// the client sees the snapshot followed by exactly the events committed
// after it.
func (r *room) handleJoin(m *Manager, client *Client) {
	snapCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	snapshot, err := m.snapshot(snapCtx, client.AuctionID)
	cancel()
	if err != nil {
		m.logger.Warn("failed to load join snapshot",
			"auction_id", client.AuctionID, "client_id", client.ID, "error", err)
		closeClient(client)
		return
	}

	msg, err := models.NewFanoutMessage(models.FanoutTypeSnapshot, client.AuctionID, snapshot)
	if err != nil {
		m.logger.Warn("failed to build snapshot message", "error", err)
		closeClient(client)
		return
	}
	payload, _ := json.Marshal(msg)

	r.mu.Lock()
	r.clients[client] = true
	r.mu.Unlock()

	select {
	case client.Send <- payload:
	default:
		// Cannot even take the snapshot; slow from the start.
		r.handleLeave(m, client)
		return
	}

	m.logger.Debug("client joined room",
		"auction_id", client.AuctionID, "client_id", client.ID)
}

func (r *room) handleLeave(m *Manager, client *Client) {
	r.mu.Lock()
	if !r.clients[client] {
		r.mu.Unlock()
		return
	}
	delete(r.clients, client)
	r.mu.Unlock()

	closeClient(client)
	m.logger.Debug("client left room", "auction_id", client.AuctionID, "client_id", client.ID)
}

func (r *room) handleBroadcast(m *Manager, payload []byte) {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for client := range r.clients {
		clients = append(clients, client)
	}
	r.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.Send <- payload:
		default:
			// A full send buffer means a slow client; drop it rather
			// than letting it stall the room.
			m.logger.Warn("evicting slow subscriber",
				"auction_id", r.auctionID, "client_id", client.ID)
			r.handleLeave(m, client)
		}
	}
}

func (r *room) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for client := range r.clients {
		closeClient(client)
		delete(r.clients, client)
	}
}

func closeClient(client *Client) {
	close(client.Send)
	if client.Conn != nil {
		client.Conn.Close()
	}
}
