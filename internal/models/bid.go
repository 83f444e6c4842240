package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BidStatus constants. A bid only leaves pending/confirmed after settlement.
const (
	BidStatusPending   = "pending"
	BidStatusConfirmed = "confirmed"
	BidStatusRefunded  = "refunded"
	BidStatusWon       = "won"
)

// Bid is one append-only bid row. TxRef is the ledger transaction reference
// the insert is keyed by; replaying the same ledger event can never produce
// a second row.
type Bid struct {
	ID             string          `json:"id"`
	AuctionID      string          `json:"auction_id"`
	BidderIdentity string          `json:"bidder_identity"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PlacedAt       time.Time       `json:"placed_at"`
	Status         string          `json:"status"`
	TxRef          string          `json:"tx_ref"`
}

// BidRequest represents the incoming bid request from the API.
type BidRequest struct {
	BidderIdentity string          `json:"bidder_identity"`
	Amount         decimal.Decimal `json:"amount"`
}

// BidResponse is returned after a bid attempt, successful or not.
type BidResponse struct {
	Accepted   bool            `json:"accepted"`
	Message    string          `json:"message,omitempty"`
	CurrentBid decimal.Decimal `json:"current_bid"`
	YourBid    decimal.Decimal `json:"your_bid"`
	Auction    *Auction        `json:"auction,omitempty"`
}
