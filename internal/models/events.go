package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger event types observed by the reconciliation worker.
const (
	EventBidPlaced         = "BidPlaced"
	EventAuctionEnded      = "AuctionEnded"
	EventComplianceChecked = "ComplianceChecked"
	EventAuctionSettled    = "AuctionSettled"
)

// LedgerEvent is the envelope for one on-chain event. The tuple
// (Type, TxHash, LogIndex) identifies it uniquely across redeliveries.
type LedgerEvent struct {
	Type      string          `json:"type"`
	AuctionID string          `json:"auction_id"`
	TxHash    string          `json:"tx_hash"`
	LogIndex  uint64          `json:"log_index"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// BidPlacedPayload is the payload of a BidPlaced event.
type BidPlacedPayload struct {
	BidderIdentity string          `json:"bidder_identity"`
	Amount         decimal.Decimal `json:"amount"`
}

// ComplianceCheckedPayload is the payload of a ComplianceChecked event.
type ComplianceCheckedPayload struct {
	Passed bool `json:"passed"`
}

// Fanout message types delivered to room subscribers.
const (
	FanoutTypeSnapshot   = "snapshot"
	FanoutTypeBidPlaced  = "bid_placed"
	FanoutTypeStatus     = "status_changed"
	FanoutTypeEscrow     = "escrow_updated"
	FanoutTypeSettlement = "settlement"
)

// FanoutMessage is the unit pushed to every subscriber of an auction room,
// in the order the underlying writes were committed.
type FanoutMessage struct {
	Type      string          `json:"type"`
	AuctionID string          `json:"auction_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewFanoutMessage marshals payload into a FanoutMessage stamped now.
func NewFanoutMessage(msgType, auctionID string, payload any) (FanoutMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return FanoutMessage{}, err
	}
	return FanoutMessage{
		Type:      msgType,
		AuctionID: auctionID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}
