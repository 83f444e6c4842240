package models

import (
	"fmt"
	"testing"

	"github.com/peterldowns/testy/check"
)

func TestErrorPredicatesSeeThroughWrapping(t *testing.T) {
	ve := fmt.Errorf("placing bid: %w", NewValidationError("amount", "must be positive"))
	check.True(t, IsValidation(ve))
	check.False(t, IsInvalidTransition(ve))

	te := fmt.Errorf("ending: %w", &InvalidTransitionError{From: AuctionStatusSettled, Event: "end"})
	check.True(t, IsInvalidTransition(te))

	le := fmt.Errorf("submit: %w", &LedgerSubmissionError{Op: "settle", Err: fmt.Errorf("timeout")})
	check.True(t, IsLedgerSubmission(le))

	re := fmt.Errorf("apply: %w", &ReconciliationConflictError{EventType: EventBidPlaced})
	check.True(t, IsReconciliationConflict(re))
}

func TestValidCancellationReason(t *testing.T) {
	for _, code := range []string{
		ReasonNoValidBids, ReasonEscrowNotDeposited, ReasonComplianceFailure,
		ReasonShipmentFailure, ReasonAdminEmergency, ReasonFraudDetected,
		ReasonQualityDispute, ReasonDeliveryFailure, ReasonOther,
	} {
		check.True(t, ValidCancellationReason(code))
	}
	check.False(t, ValidCancellationReason(""))
	check.False(t, ValidCancellationReason("changed_my_mind"))
}

func TestTerminalStatuses(t *testing.T) {
	check.True(t, AuctionStatusSettled.Terminal())
	check.True(t, AuctionStatusCancelled.Terminal())
	check.True(t, AuctionStatusFailedCompliance.Terminal())
	check.False(t, AuctionStatusCreated.Terminal())
	check.False(t, AuctionStatusActive.Terminal())
	check.False(t, AuctionStatusEnded.Terminal())
}
