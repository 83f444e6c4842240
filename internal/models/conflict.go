package models

import "time"

// ReconciliationConflict is a review-queue row created when an observed
// ledger event disagrees with a terminal local state. Resolution is manual.
type ReconciliationConflict struct {
	ID          string        `json:"id"`
	EventType   string        `json:"event_type"`
	AuctionID   string        `json:"auction_id"`
	TxHash      string        `json:"tx_hash"`
	LogIndex    uint64        `json:"log_index"`
	LocalStatus AuctionStatus `json:"local_status"`
	Detail      string        `json:"detail"`
	Resolved    bool          `json:"resolved"`
	CreatedAt   time.Time     `json:"created_at"`
}
