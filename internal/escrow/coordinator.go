// Package escrow tracks the deposit held against a won auction through
// lock, release and refund, and derives the deposit deadline on read. The
// deadline is never stored; storing it would drift with clock skew between
// writers.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/store"
)

// DefaultDepositTTL is the window a winner has to deposit after the auction
// ends.
const DefaultDepositTTL = 24 * time.Hour

// Coordinator manages escrow deposits and settlements for won auctions.
type Coordinator struct {
	store  store.Store
	ttl    time.Duration
	feeBps int64
	now    func() time.Time
	logger *slog.Logger
}

// NewCoordinator creates an escrow coordinator. feeBps is the platform fee
// in basis points of the final amount.
func NewCoordinator(st store.Store, ttl time.Duration, feeBps int64, logger *slog.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultDepositTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:  st,
		ttl:    ttl,
		feeBps: feeBps,
		now:    time.Now,
		logger: logger,
	}
}

// SetClock overrides the time source, for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Lock creates the unique deposit for a won auction. Valid only once, when
// the auction has ended and the depositor is its winning bidder. The caller
// holds the auction's writer lock; the store's uniqueness constraint on
// auction_id is the backstop against concurrent double-locks.
func (c *Coordinator) Lock(ctx context.Context, a *models.Auction, depositor string,
	amount decimal.Decimal, txRef string) (*models.EscrowDeposit, error) {

	if a.Status != models.AuctionStatusEnded {
		return nil, &models.InvalidTransitionError{From: a.Status, Event: "escrow_lock"}
	}
	if a.CurrentBidder == "" {
		return nil, models.NewValidationError("current_bidder", "auction ended without a winning bidder")
	}
	if depositor != a.CurrentBidder {
		return nil, models.NewValidationError("depositor", "only the winning bidder may deposit escrow")
	}
	if txRef == "" {
		return nil, models.NewValidationError("tx_ref", "is required")
	}
	if !amount.Equal(a.CurrentBid) {
		return nil, models.NewValidationError("amount",
			fmt.Sprintf("deposit must equal the winning bid %s", a.CurrentBid))
	}
	if _, err := c.store.GetEscrowDeposit(ctx, a.ID); err == nil {
		return nil, &models.InvalidTransitionError{From: a.Status, Event: "escrow_lock"}
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing deposit: %w", err)
	}

	deposit := &models.EscrowDeposit{
		AuctionID:         a.ID,
		DepositorIdentity: depositor,
		Amount:            amount,
		TxRef:             txRef,
		Status:            models.EscrowStatusLocked,
		DepositedAt:       c.now().UTC(),
	}
	if err := c.store.CreateEscrowDeposit(ctx, deposit); err != nil {
		return nil, fmt.Errorf("failed to create escrow deposit: %w", err)
	}

	c.logger.Info("escrow locked", "auction_id", a.ID, "depositor", depositor, "amount", amount)
	return deposit, nil
}

// Release moves a locked deposit to released and upserts the completed
// settlement. Valid only when both the compliance and shipment
// confirmations are true.
func (c *Coordinator) Release(ctx context.Context, a *models.Auction, complianceConfirmed, shipmentConfirmed bool,
	txRef string) (*models.Settlement, error) {

	if !complianceConfirmed {
		return nil, models.NewValidationError("compliance", "compliance confirmation is required for release")
	}
	if !shipmentConfirmed {
		return nil, models.NewValidationError("shipment", "shipment confirmation is required for release")
	}

	deposit, err := c.store.GetEscrowDeposit(ctx, a.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, &models.InvalidTransitionError{From: a.Status, Event: "escrow_release"}
		}
		return nil, fmt.Errorf("failed to load deposit: %w", err)
	}
	if deposit.Status != models.EscrowStatusLocked {
		return nil, models.NewValidationError("escrow_status",
			fmt.Sprintf("deposit is %s, cannot release", deposit.Status))
	}

	released := c.now().UTC()
	deposit.Status = models.EscrowStatusReleased
	deposit.ShipmentConfirmed = shipmentConfirmed
	deposit.ReleasedAt = &released
	if txRef != "" {
		deposit.TxRef = txRef
	}
	if err := c.store.UpdateEscrowDeposit(ctx, deposit); err != nil {
		return nil, fmt.Errorf("failed to release deposit: %w", err)
	}

	settlement := c.buildSettlement(a)
	settlement.Status = models.SettlementStatusCompleted
	if err := c.store.UpsertSettlement(ctx, settlement); err != nil {
		return nil, fmt.Errorf("failed to upsert settlement: %w", err)
	}

	c.logger.Info("escrow released", "auction_id", a.ID,
		"farmer_payout", settlement.FarmerPayout, "platform_fee", settlement.PlatformFee)
	return settlement, nil
}

// Refund moves a deposit from locked or disputed to refunded. Used by
// cancellation.
func (c *Coordinator) Refund(ctx context.Context, auctionID, txRef string) (*models.EscrowDeposit, error) {
	deposit, err := c.store.GetEscrowDeposit(ctx, auctionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load deposit: %w", err)
	}
	if deposit.Status != models.EscrowStatusLocked && deposit.Status != models.EscrowStatusDisputed {
		return nil, models.NewValidationError("escrow_status",
			fmt.Sprintf("deposit is %s, cannot refund", deposit.Status))
	}

	released := c.now().UTC()
	deposit.Status = models.EscrowStatusRefunded
	deposit.ReleasedAt = &released
	if txRef != "" {
		deposit.TxRef = txRef
	}
	if err := c.store.UpdateEscrowDeposit(ctx, deposit); err != nil {
		return nil, fmt.Errorf("failed to refund deposit: %w", err)
	}

	c.logger.Info("escrow refunded", "auction_id", auctionID, "amount", deposit.Amount)
	return deposit, nil
}

// IsExpired reports whether the deposit window has lapsed without a
// deposit: the auction ended with a winner, no deposit exists, and the TTL
// has passed since the end time. Derived on every read. Expiry never
// auto-cancels; a separate decision-maker issues the explicit cancel.
func (c *Coordinator) IsExpired(ctx context.Context, a *models.Auction) (bool, error) {
	if a.Status != models.AuctionStatusEnded || a.CurrentBidder == "" {
		return false, nil
	}
	_, err := c.store.GetEscrowDeposit(ctx, a.ID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return false, fmt.Errorf("failed to check deposit: %w", err)
	}
	return c.now().After(a.EndTime.Add(c.ttl)), nil
}

// buildSettlement computes the payout split for an auction's final amount.
func (c *Coordinator) buildSettlement(a *models.Auction) *models.Settlement {
	final := a.CurrentBid
	fee := final.Mul(decimal.New(c.feeBps, -4)) // basis points
	now := c.now().UTC()
	return &models.Settlement{
		AuctionID:      a.ID,
		FarmerIdentity: a.FarmerIdentity,
		BuyerIdentity:  a.CurrentBidder,
		FinalAmount:    final,
		PlatformFee:    fee,
		FarmerPayout:   final.Sub(fee),
		Status:         models.SettlementStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// PendingSettlement builds (but does not persist) the pending settlement
// for an ended auction, used when settlement starts before release.
func (c *Coordinator) PendingSettlement(a *models.Auction) *models.Settlement {
	return c.buildSettlement(a)
}
