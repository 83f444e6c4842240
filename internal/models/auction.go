package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus is the lifecycle state of an auction. Exactly one status is
// set at any time; settled, cancelled and failed_compliance are terminal.
type AuctionStatus string

const (
	AuctionStatusCreated          AuctionStatus = "created"
	AuctionStatusActive           AuctionStatus = "active"
	AuctionStatusEnded            AuctionStatus = "ended"
	AuctionStatusSettled          AuctionStatus = "settled"
	AuctionStatusCancelled        AuctionStatus = "cancelled"
	AuctionStatusFailedCompliance AuctionStatus = "failed_compliance"
)

// Terminal reports whether no further transition may leave this status.
func (s AuctionStatus) Terminal() bool {
	switch s {
	case AuctionStatusSettled, AuctionStatusCancelled, AuctionStatusFailedCompliance:
		return true
	}
	return false
}

// Auction is the off-chain record of one pepper-lot auction. The on-chain
// ledger is authoritative; this row is an idempotent projection of it.
type Auction struct {
	ID               string          `json:"id"`
	LotID            string          `json:"lot_id"`
	FarmerIdentity   string          `json:"farmer_identity"`
	StartPrice       decimal.Decimal `json:"start_price"`
	ReservePrice     decimal.Decimal `json:"reserve_price"`
	Currency         string          `json:"currency"`
	StartTime        time.Time       `json:"start_time"`
	EndTime          time.Time       `json:"end_time"`
	Status           AuctionStatus   `json:"status"`
	CompliancePassed bool            `json:"compliance_passed"`
	CurrentBid       decimal.Decimal `json:"current_bid"`
	CurrentBidder    string          `json:"current_bidder,omitempty"`
	BidCount         int             `json:"bid_count"`
	EscrowLocked     bool            `json:"escrow_locked"`
	EscrowTxRef      string          `json:"escrow_tx_ref,omitempty"`
	SettlementTxRef  string          `json:"settlement_tx_ref,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// CreateAuctionRequest is the incoming auction creation request.
type CreateAuctionRequest struct {
	LotID           string          `json:"lot_id"`
	FarmerIdentity  string          `json:"farmer_identity"`
	StartPrice      decimal.Decimal `json:"start_price"`
	ReservePrice    decimal.Decimal `json:"reserve_price"`
	Currency        string          `json:"currency"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time"`
	CertificateHash string          `json:"certificate_hash"`
}

// SettleRequest carries the settlement confirmations asserted at the API
// boundary. Compliance confirmation comes from the auction record itself.
type SettleRequest struct {
	ShipmentConfirmed bool `json:"shipment_confirmed"`
}

// CancelRequest carries an explicit cancellation with one of the closed
// reason codes.
type CancelRequest struct {
	CancelledBy string `json:"cancelled_by"`
	ReasonCode  string `json:"reason_code"`
	TxRef       string `json:"tx_ref,omitempty"`
}

// LockEscrowRequest records a buyer's escrow deposit against a won auction.
type LockEscrowRequest struct {
	Depositor string          `json:"depositor"`
	Amount    decimal.Decimal `json:"amount"`
	TxRef     string          `json:"tx_ref"`
}

// LotEvidence is the compliance evidence bundle submitted with an auction.
type LotEvidence struct {
	LotID           string `json:"lot_id"`
	CertificateHash string `json:"certificate_hash"`
}
