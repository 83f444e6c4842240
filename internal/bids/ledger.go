// Package bids validates and durably records bids. Inserts are keyed by the
// ledger transaction reference, so replaying a confirmed event can neither
// duplicate a bid row nor double-increment the auction's bid count.
package bids

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/store"
)

// Ledger validates and records bids against the projection store, with an
// optional Redis hot path rejecting stale bids before the durable write.
type Ledger struct {
	store  store.Store
	hot    *HotPath
	logger *slog.Logger
}

// NewLedger creates a bid ledger. hot may be nil; the durable path alone is
// sufficient for correctness.
func NewLedger(st store.Store, hot *HotPath, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: st, hot: hot, logger: logger}
}

// Validate applies the bid acceptance rules against the auction snapshot.
// The caller holds the auction's writer lock, so the snapshot cannot move
// underneath the check.
func (l *Ledger) Validate(a *models.Auction, bidder string, amount decimal.Decimal, now time.Time) error {
	if bidder == "" {
		return models.NewValidationError("bidder_identity", "is required")
	}
	if a.Status != models.AuctionStatusActive {
		return models.NewValidationError("status", fmt.Sprintf("auction is %s, not accepting bids", a.Status))
	}
	if !now.Before(a.EndTime) {
		return models.NewValidationError("end_time", "auction bidding window has closed")
	}
	if bidder == a.FarmerIdentity {
		return models.NewValidationError("bidder_identity", "farmer cannot bid on own auction")
	}
	if a.BidCount == 0 {
		if amount.LessThan(a.StartPrice) {
			return models.NewValidationError("amount",
				fmt.Sprintf("first bid must be at least the start price %s", a.StartPrice))
		}
		return nil
	}
	if amount.LessThanOrEqual(a.CurrentBid) {
		return models.NewValidationError("amount",
			fmt.Sprintf("bid must exceed current bid %s", a.CurrentBid))
	}
	return nil
}

// Record inserts the bid keyed by txRef and, on first insert, advances the
// auction's current bid, bidder and count in place. The caller persists the
// auction afterwards. Reports false when txRef was already recorded.
func (l *Ledger) Record(ctx context.Context, a *models.Auction, bidder string, amount decimal.Decimal,
	txRef string, placedAt time.Time) (*models.Bid, bool, error) {

	bid := &models.Bid{
		ID:             uuid.New().String(),
		AuctionID:      a.ID,
		BidderIdentity: bidder,
		Amount:         amount,
		Currency:       a.Currency,
		PlacedAt:       placedAt,
		Status:         models.BidStatusConfirmed,
		TxRef:          txRef,
	}

	inserted, err := l.store.InsertBid(ctx, bid)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record bid: %w", err)
	}
	if !inserted {
		l.logger.Debug("bid tx_ref already recorded, skipping", "auction_id", a.ID, "tx_ref", txRef)
		return nil, false, nil
	}

	a.CurrentBid = amount
	a.CurrentBidder = bidder
	a.BidCount++
	return bid, true, nil
}

// FastReject consults the Redis hot path, when configured, to reject bids
// at or below the cached current price before touching the store. A hot
// path failure is never fatal; the durable path re-validates everything.
func (l *Ledger) FastReject(ctx context.Context, auctionID string, amount decimal.Decimal) error {
	if l.hot == nil {
		return nil
	}
	current, ok, err := l.hot.CurrentBid(ctx, auctionID)
	if err != nil {
		l.logger.Warn("bid hot path unavailable, continuing on durable path", "error", err)
		return nil
	}
	if ok && amount.LessThanOrEqual(current) {
		return models.NewValidationError("amount",
			fmt.Sprintf("bid must exceed current bid %s", current))
	}
	return nil
}

// SyncHotPath advances the cached current bid after an accepted write.
func (l *Ledger) SyncHotPath(ctx context.Context, auctionID, bidder string, amount decimal.Decimal) {
	if l.hot == nil {
		return
	}
	if _, err := l.hot.Place(ctx, auctionID, bidder, amount); err != nil {
		l.logger.Warn("failed to sync bid hot path", "auction_id", auctionID, "error", err)
	}
}
