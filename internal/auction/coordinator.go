package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/bids"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/compliance"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/escrow"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/ledger"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/store"
)

// Ledger is the subset of gateway operations the coordinator submits.
type Ledger interface {
	CreateAuction(ctx context.Context, lotID string, startPrice, reservePrice decimal.Decimal,
		startTime, endTime time.Time) (string, *ledger.Receipt, error)
	SetComplianceStatus(ctx context.Context, auctionID string, passed bool) (*ledger.Receipt, error)
	Settle(ctx context.Context, auctionID string) (*ledger.Receipt, error)
}

// Publisher pushes committed events toward room subscribers. Publishing is
// asynchronous and best-effort; it is never a precondition for the write's
// own success.
type Publisher interface {
	Publish(ctx context.Context, msg models.FanoutMessage) error
}

// Coordinator owns the auction lifecycle. Each auction has a single writer:
// every mutating entry point, whether from the API or from a reconciled
// ledger event, takes the auction's lock first, so independent auctions
// proceed concurrently while writes to one auction are causally ordered.
type Coordinator struct {
	store  store.Store
	ledger Ledger
	gate   *compliance.Gate
	bids   *bids.Ledger
	escrow *escrow.Coordinator
	bus    Publisher
	outbox chan models.FanoutMessage

	locks  sync.Map // auctionID -> *sync.Mutex
	now    func() time.Time
	logger *slog.Logger
}

// NewCoordinator wires the coordinator. bus may be nil in tests.
func NewCoordinator(st store.Store, lg Ledger, gate *compliance.Gate, bidLedger *bids.Ledger,
	esc *escrow.Coordinator, bus Publisher, logger *slog.Logger) *Coordinator {

	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:  st,
		ledger: lg,
		gate:   gate,
		bids:   bidLedger,
		escrow: esc,
		bus:    bus,
		outbox: make(chan models.FanoutMessage, 256),
		now:    time.Now,
		logger: logger,
	}
}

// Run delivers queued fanout messages to the bus one at a time until ctx is
// cancelled. A single consumer keeps messages for each auction on the wire
// in the order their writes were committed; publishing from the write paths
// directly would let a slow bus call reorder them. Run in a goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.outbox:
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := c.bus.Publish(pubCtx, msg); err != nil {
				c.logger.Warn("failed to publish fanout message",
					"type", msg.Type, "auction_id", msg.AuctionID, "error", err)
			}
			cancel()
		}
	}
}

// SetClock overrides the time source, for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// lock takes the single-writer lock for one auction and returns the unlock.
func (c *Coordinator) lock(auctionID string) func() {
	v, _ := c.locks.LoadOrStore(auctionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateAuction validates the request, runs the compliance gate, creates
// the auction on the ledger and stores the local projection in created
// status. Activation happens when the ComplianceChecked event is
// reconciled, keeping one code path for the transition.
func (c *Coordinator) CreateAuction(ctx context.Context, req models.CreateAuctionRequest) (*models.Auction, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	verdict := c.gate.Check(ctx, models.LotEvidence{
		LotID:           req.LotID,
		CertificateHash: req.CertificateHash,
	})

	auctionID, _, err := c.ledger.CreateAuction(ctx, req.LotID, req.StartPrice, req.ReservePrice,
		req.StartTime, req.EndTime)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	a := &models.Auction{
		ID:             auctionID,
		LotID:          req.LotID,
		FarmerIdentity: req.FarmerIdentity,
		StartPrice:     req.StartPrice,
		ReservePrice:   req.ReservePrice,
		Currency:       req.Currency,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		Status:         models.AuctionStatusCreated,
		CurrentBid:     decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.CreateAuction(ctx, a); err != nil {
		// Ledger write succeeded; the reconciliation worker will reapply
		// the projection on the next observation.
		return nil, fmt.Errorf("failed to store auction: %w", err)
	}

	if _, err := c.ledger.SetComplianceStatus(ctx, auctionID, verdict.Passed); err != nil {
		// The auction exists on both sides; the verdict can be
		// resubmitted through RunCompliance.
		c.logger.Error("failed to submit compliance status",
			"auction_id", auctionID, "passed", verdict.Passed, "error", err)
	}

	c.logger.Info("auction created", "auction_id", auctionID, "lot_id", req.LotID,
		"compliance_passed", verdict.Passed)
	return a, nil
}

// RunCompliance re-evaluates the gate for an existing auction and submits
// the verdict to the ledger. Used when the initial submission failed.
func (c *Coordinator) RunCompliance(ctx context.Context, auctionID string, evidence models.LotEvidence) (*compliance.Result, error) {
	a, err := c.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if a.Status != models.AuctionStatusCreated {
		return nil, &models.InvalidTransitionError{From: a.Status, Event: "run_compliance"}
	}

	verdict := c.gate.Check(ctx, evidence)
	if _, err := c.ledger.SetComplianceStatus(ctx, auctionID, verdict.Passed); err != nil {
		return nil, err
	}
	return &verdict, nil
}

// activateIfDue opens the bidding window for a compliance-passed auction
// whose start time has arrived. Covers verdicts reconciled before the start
// time, which leave the auction created until the window opens. Activation
// applies even past the end time: the auction ran, and bid validation and
// the expiry flag already account for a closed window. The caller holds the
// auction's writer lock.
func (c *Coordinator) activateIfDue(ctx context.Context, a *models.Auction) error {
	if a.Status != models.AuctionStatusCreated || !a.CompliancePassed {
		return nil
	}
	now := c.now()
	if now.Before(a.StartTime) {
		return nil
	}
	next, err := Next(a.Status, EventActivate)
	if err != nil {
		return err
	}
	a.Status = next
	a.UpdatedAt = now.UTC()
	if err := c.store.UpdateAuction(ctx, a); err != nil {
		return err
	}
	c.logger.Info("auction activated", "auction_id", a.ID)
	c.publish(models.FanoutTypeStatus, a.ID, a)
	return nil
}

// PlaceBid validates and records one bid under the auction's writer lock.
func (c *Coordinator) PlaceBid(ctx context.Context, auctionID string, req models.BidRequest) (*models.BidResponse, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, models.NewValidationError("amount", "must be positive")
	}

	if err := c.bids.FastReject(ctx, auctionID, req.Amount); err != nil {
		return nil, err
	}

	unlock := c.lock(auctionID)
	defer unlock()

	a, err := c.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if err := c.activateIfDue(ctx, a); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	if err := c.bids.Validate(a, req.BidderIdentity, req.Amount, now); err != nil {
		return nil, err
	}

	txRef := uuid.New().String()
	bid, inserted, err := c.bids.Record(ctx, a, req.BidderIdentity, req.Amount, txRef, now)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, models.NewValidationError("tx_ref", "bid already recorded")
	}

	a.UpdatedAt = now
	if err := c.store.UpdateAuction(ctx, a); err != nil {
		return nil, err
	}

	c.bids.SyncHotPath(ctx, auctionID, req.BidderIdentity, req.Amount)
	c.publish(models.FanoutTypeBidPlaced, a.ID, bid)

	return &models.BidResponse{
		Accepted:   true,
		CurrentBid: a.CurrentBid,
		YourBid:    req.Amount,
		Auction:    a,
	}, nil
}

// EndAuction moves an active auction to ended, freezing the current bid and
// bidder. Callable explicitly or by the scheduler once end time passes.
func (c *Coordinator) EndAuction(ctx context.Context, auctionID string) (*models.Auction, error) {
	unlock := c.lock(auctionID)
	defer unlock()

	a, err := c.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	next, err := Next(a.Status, EventEnd)
	if err != nil {
		return nil, err
	}

	a.Status = next
	a.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateAuction(ctx, a); err != nil {
		return nil, err
	}

	c.logger.Info("auction ended", "auction_id", a.ID,
		"current_bid", a.CurrentBid, "current_bidder", a.CurrentBidder, "bid_count", a.BidCount)
	c.publish(models.FanoutTypeStatus, a.ID, a)
	return a, nil
}

// LockEscrow records the winner's deposit against an ended auction.
func (c *Coordinator) LockEscrow(ctx context.Context, auctionID string, req models.LockEscrowRequest) (*models.Auction, error) {
	unlock := c.lock(auctionID)
	defer unlock()

	a, err := c.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	deposit, err := c.escrow.Lock(ctx, a, req.Depositor, req.Amount, req.TxRef)
	if err != nil {
		return nil, err
	}

	a.EscrowLocked = true
	a.EscrowTxRef = deposit.TxRef
	a.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateAuction(ctx, a); err != nil {
		return nil, err
	}

	c.publish(models.FanoutTypeEscrow, a.ID, deposit)
	return a, nil
}

// Settle finalizes a won auction: submits the ledger settle, releases the
// escrow to the farmer and marks the winning and losing bids.
func (c *Coordinator) Settle(ctx context.Context, auctionID string, req models.SettleRequest) (*models.Auction, error) {
	unlock := c.lock(auctionID)
	defer unlock()

	a, err := c.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	if _, err := Next(a.Status, EventSettle); err != nil {
		return nil, err
	}
	if !a.EscrowLocked {
		return nil, &models.InvalidTransitionError{From: a.Status, Event: string(EventSettle)}
	}
	if !a.CompliancePassed {
		return nil, models.NewValidationError("compliance", "compliance confirmation is required for settlement")
	}
	if !req.ShipmentConfirmed {
		return nil, models.NewValidationError("shipment", "shipment confirmation is required for settlement")
	}

	receipt, err := c.ledger.Settle(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	settlement, err := c.escrow.Release(ctx, a, a.CompliancePassed, req.ShipmentConfirmed, receipt.TxHash)
	if err != nil {
		return nil, err
	}
	if err := c.store.SettleBids(ctx, a.ID, a.CurrentBidder); err != nil {
		return nil, err
	}

	a.Status = models.AuctionStatusSettled
	a.SettlementTxRef = receipt.TxHash
	a.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateAuction(ctx, a); err != nil {
		return nil, err
	}

	c.logger.Info("auction settled", "auction_id", a.ID,
		"final_amount", settlement.FinalAmount, "farmer_payout", settlement.FarmerPayout)
	c.publish(models.FanoutTypeSettlement, a.ID, settlement)
	return a, nil
}

// Cancel applies an explicit cancellation with one of the closed reason
// codes, refunding the escrow deposit when one is held.
func (c *Coordinator) Cancel(ctx context.Context, auctionID string, req models.CancelRequest) (*models.Auction, error) {
	if !models.ValidCancellationReason(req.ReasonCode) {
		return nil, models.NewValidationError("reason_code",
			fmt.Sprintf("%q is not a recognized cancellation reason", req.ReasonCode))
	}
	if req.CancelledBy == "" {
		return nil, models.NewValidationError("cancelled_by", "is required")
	}

	unlock := c.lock(auctionID)
	defer unlock()

	a, err := c.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	next, err := Next(a.Status, EventCancel)
	if err != nil {
		return nil, err
	}
	// Cancellation and settlement are mutually exclusive per auction.
	if _, err := c.store.GetSettlement(ctx, auctionID); err == nil {
		return nil, &models.InvalidTransitionError{From: a.Status, Event: string(EventCancel)}
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	refunded := false
	if _, err := c.escrow.Refund(ctx, auctionID, req.TxRef); err == nil {
		refunded = true
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	if err := c.store.CreateCancellation(ctx, &models.Cancellation{
		AuctionID:      auctionID,
		CancelledBy:    req.CancelledBy,
		ReasonCode:     req.ReasonCode,
		EscrowRefunded: refunded,
		CreatedAt:      c.now().UTC(),
	}); err != nil {
		return nil, err
	}

	a.Status = next
	a.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateAuction(ctx, a); err != nil {
		return nil, err
	}

	c.logger.Info("auction cancelled", "auction_id", a.ID,
		"reason", req.ReasonCode, "escrow_refunded", refunded)
	c.publish(models.FanoutTypeStatus, a.ID, a)
	return a, nil
}

// GetAuction returns the auction snapshot plus the derived escrow-expiry
// flag. Reads take the writer lock so a due activation is applied before
// the snapshot is returned.
func (c *Coordinator) GetAuction(ctx context.Context, auctionID string) (*models.Auction, bool, error) {
	unlock := c.lock(auctionID)
	defer unlock()

	a, err := c.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, false, err
	}
	if err := c.activateIfDue(ctx, a); err != nil {
		return nil, false, err
	}
	expired, err := c.escrow.IsExpired(ctx, a)
	if err != nil {
		return nil, false, err
	}
	return a, expired, nil
}

// BidHistory returns the recorded bids for an auction, newest first.
func (c *Coordinator) BidHistory(ctx context.Context, auctionID string, limit int) ([]*models.Bid, error) {
	return c.store.GetBidHistory(ctx, auctionID, limit)
}

// publish queues a committed change for the bus consumer. The enqueue
// happens while the caller still holds the auction's writer lock, so queue
// order is commit order. Best-effort: the network I/O happens in Run, and a
// full queue drops the message rather than failing or reordering the write.
func (c *Coordinator) publish(msgType, auctionID string, payload any) {
	if c.bus == nil {
		return
	}
	msg, err := models.NewFanoutMessage(msgType, auctionID, payload)
	if err != nil {
		c.logger.Warn("failed to build fanout message", "type", msgType, "error", err)
		return
	}
	select {
	case c.outbox <- msg:
	default:
		c.logger.Warn("fanout queue full, dropping message",
			"type", msgType, "auction_id", auctionID)
	}
}

func validateCreate(req models.CreateAuctionRequest) error {
	switch {
	case req.LotID == "":
		return models.NewValidationError("lot_id", "is required")
	case req.FarmerIdentity == "":
		return models.NewValidationError("farmer_identity", "is required")
	case req.Currency == "":
		return models.NewValidationError("currency", "is required")
	case req.StartPrice.LessThanOrEqual(decimal.Zero):
		return models.NewValidationError("start_price", "must be positive")
	case req.ReservePrice.LessThan(req.StartPrice):
		return models.NewValidationError("reserve_price", "must be at least the start price")
	case !req.EndTime.After(req.StartTime):
		return models.NewValidationError("end_time", "must be after start time")
	}
	return nil
}

// unmarshalPayload decodes an event payload into out.
func unmarshalPayload(ev models.LedgerEvent, out any) error {
	if err := json.Unmarshal(ev.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", ev.Type, err)
	}
	return nil
}
