package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EscrowStatus constants.
const (
	EscrowStatusLocked   = "locked"
	EscrowStatusReleased = "released"
	EscrowStatusRefunded = "refunded"
	EscrowStatusDisputed = "disputed"
)

// EscrowDeposit is the single deposit held against a won auction. One row
// per auction, enforced by a uniqueness constraint on AuctionID. The deposit
// deadline is never stored; it is derived from the auction end time on read.
type EscrowDeposit struct {
	AuctionID         string          `json:"auction_id"`
	DepositorIdentity string          `json:"depositor_identity"`
	Amount            decimal.Decimal `json:"amount"`
	TxRef             string          `json:"tx_ref"`
	Status            string          `json:"status"`
	ShipmentConfirmed bool            `json:"shipment_confirmed"`
	DepositedAt       time.Time       `json:"deposited_at"`
	ReleasedAt        *time.Time      `json:"released_at,omitempty"`
}

// SettlementStatus constants.
const (
	SettlementStatusPending   = "pending"
	SettlementStatusCompleted = "completed"
	SettlementStatusFailed    = "failed"
	SettlementStatusDisputed  = "disputed"
)

// Settlement records the final payout split for one auction. FinalAmount is
// frozen to the auction's current bid at ending time.
type Settlement struct {
	AuctionID      string          `json:"auction_id"`
	FarmerIdentity string          `json:"farmer_identity"`
	BuyerIdentity  string          `json:"buyer_identity"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
	PlatformFee    decimal.Decimal `json:"platform_fee"`
	FarmerPayout   decimal.Decimal `json:"farmer_payout"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Cancellation reason codes, a closed enum. Anything else is rejected at
// the API boundary.
const (
	ReasonNoValidBids        = "no_valid_bids"
	ReasonEscrowNotDeposited = "escrow_not_deposited"
	ReasonComplianceFailure  = "compliance_failure"
	ReasonShipmentFailure    = "shipment_failure"
	ReasonAdminEmergency     = "admin_emergency"
	ReasonFraudDetected      = "fraud_detected"
	ReasonQualityDispute     = "quality_dispute"
	ReasonDeliveryFailure    = "delivery_failure"
	ReasonOther              = "other"
)

var cancellationReasons = map[string]struct{}{
	ReasonNoValidBids:        {},
	ReasonEscrowNotDeposited: {},
	ReasonComplianceFailure:  {},
	ReasonShipmentFailure:    {},
	ReasonAdminEmergency:     {},
	ReasonFraudDetected:      {},
	ReasonQualityDispute:     {},
	ReasonDeliveryFailure:    {},
	ReasonOther:              {},
}

// ValidCancellationReason reports whether code belongs to the closed enum.
func ValidCancellationReason(code string) bool {
	_, ok := cancellationReasons[code]
	return ok
}

// Cancellation records why an auction was cancelled and whether the escrow
// deposit was refunded as part of it. Mutually exclusive with Settlement.
type Cancellation struct {
	AuctionID      string    `json:"auction_id"`
	CancelledBy    string    `json:"cancelled_by"`
	ReasonCode     string    `json:"reason_code"`
	EscrowRefunded bool      `json:"escrow_refunded"`
	Resolved       bool      `json:"resolved"`
	CreatedAt      time.Time `json:"created_at"`
}
