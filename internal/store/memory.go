package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
)

// Memory is an in-memory Store used by tests. Values are copied on read and
// write so callers never share mutable state with the store.
type Memory struct {
	mu            sync.RWMutex
	auctions      map[string]models.Auction
	bids          map[string]models.Bid // keyed by tx_ref
	bidOrder      []string
	escrows       map[string]models.EscrowDeposit
	settlements   map[string]models.Settlement
	cancellations map[string]models.Cancellation
	processed     map[string]struct{}
	conflicts     []models.ReconciliationConflict
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		auctions:      make(map[string]models.Auction),
		bids:          make(map[string]models.Bid),
		escrows:       make(map[string]models.EscrowDeposit),
		settlements:   make(map[string]models.Settlement),
		cancellations: make(map[string]models.Cancellation),
		processed:     make(map[string]struct{}),
	}
}

func (m *Memory) CreateAuction(_ context.Context, a *models.Auction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.auctions[a.ID]; ok {
		return fmt.Errorf("auction %s already exists", a.ID)
	}
	m.auctions[a.ID] = *a
	return nil
}

func (m *Memory) GetAuction(_ context.Context, id string) (*models.Auction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auctions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := a
	return &out, nil
}

func (m *Memory) UpdateAuction(_ context.Context, a *models.Auction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.auctions[a.ID]; !ok {
		return models.ErrNotFound
	}
	m.auctions[a.ID] = *a
	return nil
}

func (m *Memory) InsertBid(_ context.Context, b *models.Bid) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bids[b.TxRef]; ok {
		return false, nil
	}
	m.bids[b.TxRef] = *b
	m.bidOrder = append(m.bidOrder, b.TxRef)
	return true, nil
}

func (m *Memory) GetBidHistory(_ context.Context, auctionID string, limit int) ([]*models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Bid
	for i := len(m.bidOrder) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		b := m.bids[m.bidOrder[i]]
		if b.AuctionID == auctionID {
			copied := b
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *Memory) SettleBids(_ context.Context, auctionID, winner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref, b := range m.bids {
		if b.AuctionID != auctionID {
			continue
		}
		if b.BidderIdentity == winner {
			b.Status = models.BidStatusWon
		} else {
			b.Status = models.BidStatusRefunded
		}
		m.bids[ref] = b
	}
	return nil
}

func (m *Memory) CreateEscrowDeposit(_ context.Context, d *models.EscrowDeposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[d.AuctionID]; ok {
		return fmt.Errorf("escrow deposit for auction %s already exists", d.AuctionID)
	}
	m.escrows[d.AuctionID] = *d
	return nil
}

func (m *Memory) GetEscrowDeposit(_ context.Context, auctionID string) (*models.EscrowDeposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.escrows[auctionID]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := d
	return &out, nil
}

func (m *Memory) UpdateEscrowDeposit(_ context.Context, d *models.EscrowDeposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[d.AuctionID]; !ok {
		return models.ErrNotFound
	}
	m.escrows[d.AuctionID] = *d
	return nil
}

func (m *Memory) UpsertSettlement(_ context.Context, s *models.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements[s.AuctionID] = *s
	return nil
}

func (m *Memory) GetSettlement(_ context.Context, auctionID string) (*models.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settlements[auctionID]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := s
	return &out, nil
}

func (m *Memory) CreateCancellation(_ context.Context, c *models.Cancellation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cancellations[c.AuctionID]; ok {
		return fmt.Errorf("cancellation for auction %s already exists", c.AuctionID)
	}
	m.cancellations[c.AuctionID] = *c
	return nil
}

func (m *Memory) GetCancellation(_ context.Context, auctionID string) (*models.Cancellation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cancellations[auctionID]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := c
	return &out, nil
}

func eventKey(eventType, txHash string, logIndex uint64) string {
	return fmt.Sprintf("%s|%s|%d", eventType, txHash, logIndex)
}

func (m *Memory) SeenEvent(_ context.Context, eventType, txHash string, logIndex uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processed[eventKey(eventType, txHash, logIndex)]
	return ok, nil
}

func (m *Memory) MarkEventProcessed(_ context.Context, eventType, txHash string, logIndex uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[eventKey(eventType, txHash, logIndex)] = struct{}{}
	return nil
}

func (m *Memory) RecordConflict(_ context.Context, c *models.ReconciliationConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *c
	if copied.ID == "" {
		copied.ID = uuid.New().String()
	}
	m.conflicts = append(m.conflicts, copied)
	return nil
}

// Conflicts returns a copy of the recorded conflicts, for tests.
func (m *Memory) Conflicts() []models.ReconciliationConflict {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ReconciliationConflict, len(m.conflicts))
	copy(out, m.conflicts)
	return out
}
