// Package store persists the off-chain projection of the auction ledger:
// auctions, bids, escrow deposits, settlements, cancellations, and the
// processed-event log the reconciliation worker deduplicates against.
package store

import (
	"context"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
)

// Store is the persistence contract. The Postgres implementation backs the
// running service; the in-memory implementation backs tests.
type Store interface {
	CreateAuction(ctx context.Context, a *models.Auction) error
	GetAuction(ctx context.Context, id string) (*models.Auction, error)
	UpdateAuction(ctx context.Context, a *models.Auction) error

	// InsertBid inserts a bid keyed by its ledger transaction reference.
	// It reports false when the tx_ref was already recorded, so replayed
	// events never produce a second row.
	InsertBid(ctx context.Context, b *models.Bid) (bool, error)
	GetBidHistory(ctx context.Context, auctionID string, limit int) ([]*models.Bid, error)
	// SettleBids moves the winner's bids to won and everyone else's to
	// refunded. Called once, after settlement.
	SettleBids(ctx context.Context, auctionID, winner string) error

	CreateEscrowDeposit(ctx context.Context, d *models.EscrowDeposit) error
	GetEscrowDeposit(ctx context.Context, auctionID string) (*models.EscrowDeposit, error)
	UpdateEscrowDeposit(ctx context.Context, d *models.EscrowDeposit) error

	UpsertSettlement(ctx context.Context, s *models.Settlement) error
	GetSettlement(ctx context.Context, auctionID string) (*models.Settlement, error)

	CreateCancellation(ctx context.Context, c *models.Cancellation) error
	GetCancellation(ctx context.Context, auctionID string) (*models.Cancellation, error)

	// SeenEvent reports whether (eventType, txHash, logIndex) was already
	// projected. MarkEventProcessed records it after a successful apply.
	SeenEvent(ctx context.Context, eventType, txHash string, logIndex uint64) (bool, error)
	MarkEventProcessed(ctx context.Context, eventType, txHash string, logIndex uint64) error

	RecordConflict(ctx context.Context, c *models.ReconciliationConflict) error
}
