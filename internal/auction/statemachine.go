// Package auction owns the auction lifecycle: the transition table every
// mutating entry point consults, and the Coordinator serializing writes per
// auction. Mutations arriving from the API and from reconciled ledger
// events flow through the same entry points, so the invariants hold
// regardless of origin.
package auction

import (
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
)

// Event is a lifecycle trigger applied to an auction.
type Event string

const (
	EventActivate       Event = "activate"
	EventFailCompliance Event = "fail_compliance"
	EventEnd            Event = "end"
	EventSettle         Event = "settle"
	EventCancel         Event = "cancel"
)

// transitions is the single transition table: from-state x event -> to-state.
// Everything not listed here is illegal.
var transitions = map[models.AuctionStatus]map[Event]models.AuctionStatus{
	models.AuctionStatusCreated: {
		EventActivate:       models.AuctionStatusActive,
		EventFailCompliance: models.AuctionStatusFailedCompliance,
		EventCancel:         models.AuctionStatusCancelled,
	},
	models.AuctionStatusActive: {
		EventEnd:    models.AuctionStatusEnded,
		EventCancel: models.AuctionStatusCancelled,
	},
	models.AuctionStatusEnded: {
		EventSettle: models.AuctionStatusSettled,
		EventCancel: models.AuctionStatusCancelled,
	},
}

// Next returns the state reached by applying event from the given status.
// Illegal edges return an InvalidTransitionError naming the attempted edge;
// they are never a silent no-op.
func Next(from models.AuctionStatus, event Event) (models.AuctionStatus, error) {
	if edges, ok := transitions[from]; ok {
		if to, ok := edges[event]; ok {
			return to, nil
		}
	}
	return "", &models.InvalidTransitionError{From: from, Event: string(event)}
}

// CanApply reports whether the edge exists without performing it.
func CanApply(from models.AuctionStatus, event Event) bool {
	_, err := Next(from, event)
	return err == nil
}
