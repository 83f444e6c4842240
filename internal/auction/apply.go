package auction

import (
	"context"
	"fmt"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
)

// ApplyEvent projects one observed ledger event into the local record. It
// reuses the same validation and transition paths as the direct API
// operations, so the invariants hold regardless of origin.
//
// Returned errors steer the worker: ErrNotFound and ErrEventOutOfOrder mean
// defer and redeliver with backoff; a ReconciliationConflictError means the
// event contradicts a terminal local state and goes to manual review; nil
// means projected (possibly as an idempotent no-op).
func (c *Coordinator) ApplyEvent(ctx context.Context, ev models.LedgerEvent) error {
	switch ev.Type {
	case models.EventBidPlaced:
		return c.applyBidPlaced(ctx, ev)
	case models.EventComplianceChecked:
		return c.applyComplianceChecked(ctx, ev)
	case models.EventAuctionEnded:
		return c.applyAuctionEnded(ctx, ev)
	case models.EventAuctionSettled:
		return c.applyAuctionSettled(ctx, ev)
	default:
		c.logger.Debug("skipping unknown ledger event type", "type", ev.Type)
		return nil
	}
}

func (c *Coordinator) applyBidPlaced(ctx context.Context, ev models.LedgerEvent) error {
	var payload models.BidPlacedPayload
	if err := unmarshalPayload(ev, &payload); err != nil {
		return err
	}

	unlock := c.lock(ev.AuctionID)
	defer unlock()

	a, err := c.store.GetAuction(ctx, ev.AuctionID)
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		return c.conflict(ctx, ev, a.Status, "bid observed against terminal auction")
	}
	if err := c.activateIfDue(ctx, a); err != nil {
		return err
	}

	if err := c.bids.Validate(a, payload.BidderIdentity, payload.Amount, ev.Timestamp); err != nil {
		if models.IsValidation(err) {
			// A stale or superseded bid event; the chain already ordered
			// it below the current bid. Projected as a no-op.
			c.logger.Warn("ignoring bid event failing validation",
				"auction_id", ev.AuctionID, "tx_hash", ev.TxHash, "reason", err.Error())
			return nil
		}
		return err
	}

	bid, inserted, err := c.bids.Record(ctx, a, payload.BidderIdentity, payload.Amount, ev.TxHash, ev.Timestamp)
	if err != nil {
		return err
	}
	if !inserted {
		return nil // replayed delivery, already projected
	}

	a.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateAuction(ctx, a); err != nil {
		return err
	}

	c.bids.SyncHotPath(ctx, a.ID, payload.BidderIdentity, payload.Amount)
	c.publish(models.FanoutTypeBidPlaced, a.ID, bid)
	return nil
}

func (c *Coordinator) applyComplianceChecked(ctx context.Context, ev models.LedgerEvent) error {
	var payload models.ComplianceCheckedPayload
	if err := unmarshalPayload(ev, &payload); err != nil {
		return err
	}

	unlock := c.lock(ev.AuctionID)
	defer unlock()

	a, err := c.store.GetAuction(ctx, ev.AuctionID)
	if err != nil {
		return err
	}

	switch a.Status {
	case models.AuctionStatusCreated:
		a.CompliancePassed = payload.Passed
		if payload.Passed {
			if !c.now().Before(a.StartTime) {
				next, err := Next(a.Status, EventActivate)
				if err != nil {
					return err
				}
				a.Status = next
			}
		} else {
			next, err := Next(a.Status, EventFailCompliance)
			if err != nil {
				return err
			}
			a.Status = next
		}
	case models.AuctionStatusActive:
		if !payload.Passed {
			// An active auction losing compliance cannot be resolved
			// automatically; route to review.
			return c.conflict(ctx, ev, a.Status, "compliance failure observed for active auction")
		}
		a.CompliancePassed = true
	case models.AuctionStatusFailedCompliance:
		if payload.Passed {
			return c.conflict(ctx, ev, a.Status, "compliance pass observed for failed auction")
		}
		return nil // idempotent
	default:
		if a.Status.Terminal() {
			return c.conflict(ctx, ev, a.Status, "compliance verdict observed against terminal auction")
		}
		a.CompliancePassed = payload.Passed
	}

	a.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateAuction(ctx, a); err != nil {
		return err
	}
	c.publish(models.FanoutTypeStatus, a.ID, a)
	return nil
}

func (c *Coordinator) applyAuctionEnded(ctx context.Context, ev models.LedgerEvent) error {
	unlock := c.lock(ev.AuctionID)
	defer unlock()

	a, err := c.store.GetAuction(ctx, ev.AuctionID)
	if err != nil {
		return err
	}
	// A verdict reconciled before the start time leaves the auction created;
	// apply the due activation so the end projects instead of deferring
	// forever.
	if err := c.activateIfDue(ctx, a); err != nil {
		return err
	}

	switch a.Status {
	case models.AuctionStatusActive:
		next, err := Next(a.Status, EventEnd)
		if err != nil {
			return err
		}
		a.Status = next
		a.UpdatedAt = c.now().UTC()
		if err := c.store.UpdateAuction(ctx, a); err != nil {
			return err
		}
		c.publish(models.FanoutTypeStatus, a.ID, a)
		return nil
	case models.AuctionStatusEnded, models.AuctionStatusSettled:
		return nil // already past ending, idempotent
	case models.AuctionStatusCreated:
		// Activation has not been projected yet; redeliver after the
		// ComplianceChecked event lands.
		return fmt.Errorf("auction %s still created: %w", a.ID, models.ErrEventOutOfOrder)
	default:
		return c.conflict(ctx, ev, a.Status, "end observed against terminal auction")
	}
}

func (c *Coordinator) applyAuctionSettled(ctx context.Context, ev models.LedgerEvent) error {
	unlock := c.lock(ev.AuctionID)
	defer unlock()

	a, err := c.store.GetAuction(ctx, ev.AuctionID)
	if err != nil {
		return err
	}

	switch a.Status {
	case models.AuctionStatusSettled:
		return nil // idempotent
	case models.AuctionStatusCreated, models.AuctionStatusActive:
		return fmt.Errorf("auction %s not ended yet: %w", a.ID, models.ErrEventOutOfOrder)
	case models.AuctionStatusEnded:
		if !a.EscrowLocked {
			// The chain settled an auction we hold no escrow for.
			return c.conflict(ctx, ev, a.Status, "settlement observed without local escrow deposit")
		}
	default:
		return c.conflict(ctx, ev, a.Status, "settlement observed against terminal auction")
	}

	settlement, err := c.escrow.Release(ctx, a, true, true, ev.TxHash)
	if err != nil {
		return err
	}
	if err := c.store.SettleBids(ctx, a.ID, a.CurrentBidder); err != nil {
		return err
	}

	a.Status = models.AuctionStatusSettled
	a.SettlementTxRef = ev.TxHash
	a.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateAuction(ctx, a); err != nil {
		return err
	}

	c.publish(models.FanoutTypeSettlement, a.ID, settlement)
	return nil
}

// conflict records a reconciliation conflict for manual review and returns
// the typed error. The local record is never overwritten from the event.
func (c *Coordinator) conflict(ctx context.Context, ev models.LedgerEvent, local models.AuctionStatus, detail string) error {
	conflictErr := &models.ReconciliationConflictError{
		EventType:   ev.Type,
		AuctionID:   ev.AuctionID,
		LocalStatus: local,
	}
	c.logger.Error("reconciliation conflict, routing to manual review",
		"event_type", ev.Type, "auction_id", ev.AuctionID,
		"tx_hash", ev.TxHash, "local_status", string(local), "detail", detail)

	if err := c.store.RecordConflict(ctx, &models.ReconciliationConflict{
		EventType:   ev.Type,
		AuctionID:   ev.AuctionID,
		TxHash:      ev.TxHash,
		LogIndex:    ev.LogIndex,
		LocalStatus: local,
		Detail:      detail,
		CreatedAt:   c.now().UTC(),
	}); err != nil {
		c.logger.Error("failed to record reconciliation conflict", "error", err)
	}
	return conflictErr
}
