package auction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/bids"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/compliance"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/escrow"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/ledger"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/store"
)

// fakeLedger records submissions instead of talking to a node.
type fakeLedger struct {
	nextAuctionID string
	compliance    []bool
	settled       []string
	createErr     error
	complianceErr error
	settleErr     error
}

func (f *fakeLedger) CreateAuction(ctx context.Context, lotID string, startPrice, reservePrice decimal.Decimal,
	startTime, endTime time.Time) (string, *ledger.Receipt, error) {
	if f.createErr != nil {
		return "", nil, f.createErr
	}
	id := f.nextAuctionID
	if id == "" {
		id = "1"
	}
	return id, &ledger.Receipt{TxHash: "0xcreate", Height: 10}, nil
}

func (f *fakeLedger) SetComplianceStatus(ctx context.Context, auctionID string, passed bool) (*ledger.Receipt, error) {
	if f.complianceErr != nil {
		return nil, f.complianceErr
	}
	f.compliance = append(f.compliance, passed)
	return &ledger.Receipt{TxHash: "0xcompliance", Height: 11}, nil
}

func (f *fakeLedger) Settle(ctx context.Context, auctionID string) (*ledger.Receipt, error) {
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	f.settled = append(f.settled, auctionID)
	return &ledger.Receipt{TxHash: "0xsettle", Height: 12}, nil
}

// stubRule always returns the configured verdict.
type stubRule struct {
	passed bool
}

func (r stubRule) Name() string { return "stub" }

func (r stubRule) Evaluate(context.Context, models.LotEvidence) compliance.RuleResult {
	return compliance.RuleResult{Rule: r.Name(), Passed: r.passed}
}

type fixture struct {
	coordinator *Coordinator
	store       *store.Memory
	ledger      *fakeLedger
	now         time.Time
}

func newFixture(t *testing.T, gatePasses bool) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory()
	lg := &fakeLedger{}
	gate := compliance.NewGate(logger, stubRule{passed: gatePasses})
	bidLedger := bids.NewLedger(st, nil, logger)
	esc := escrow.NewCoordinator(st, time.Hour, 250, logger)
	c := NewCoordinator(st, lg, gate, bidLedger, esc, nil, logger)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })
	esc.SetClock(func() time.Time { return now })
	return &fixture{coordinator: c, store: st, ledger: lg, now: now}
}

func (f *fixture) setClock(now time.Time) {
	f.now = now
	f.coordinator.SetClock(func() time.Time { return now })
}

func (f *fixture) seed(t *testing.T, a models.Auction) *models.Auction {
	t.Helper()
	if a.ID == "" {
		a.ID = "1"
	}
	if a.Currency == "" {
		a.Currency = "USD"
	}
	if a.FarmerIdentity == "" {
		a.FarmerIdentity = "farmer-1"
	}
	if a.StartPrice.IsZero() {
		a.StartPrice = decimal.NewFromInt(100)
	}
	if a.ReservePrice.IsZero() {
		a.ReservePrice = decimal.NewFromInt(100)
	}
	if a.StartTime.IsZero() {
		a.StartTime = f.now.Add(-time.Hour)
	}
	if a.EndTime.IsZero() {
		a.EndTime = f.now.Add(time.Hour)
	}
	assert.NoError(t, f.store.CreateAuction(context.Background(), &a))
	return &a
}

func createRequest(f *fixture) models.CreateAuctionRequest {
	return models.CreateAuctionRequest{
		LotID:           "lot-1",
		FarmerIdentity:  "farmer-1",
		StartPrice:      decimal.NewFromInt(100),
		ReservePrice:    decimal.NewFromInt(150),
		Currency:        "USD",
		StartTime:       f.now.Add(-time.Minute),
		EndTime:         f.now.Add(time.Hour),
		CertificateHash: "abc123",
	}
}

func TestCreateAuctionSubmitsComplianceVerdict(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a, err := f.coordinator.CreateAuction(ctx, createRequest(f))
	assert.NoError(t, err)
	check.Equal(t, models.AuctionStatusCreated, a.Status)
	check.Equal(t, []bool{true}, f.ledger.compliance)

	stored, err := f.store.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, models.AuctionStatusCreated, stored.Status)
	check.False(t, stored.CompliancePassed)
}

func TestCreateAuctionFailingGateStillCreates(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	a, err := f.coordinator.CreateAuction(ctx, createRequest(f))
	assert.NoError(t, err)
	check.Equal(t, models.AuctionStatusCreated, a.Status)
	check.Equal(t, []bool{false}, f.ledger.compliance)
}

func TestCreateAuctionValidation(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	req := createRequest(f)
	req.LotID = ""
	_, err := f.coordinator.CreateAuction(ctx, req)
	check.True(t, models.IsValidation(err))

	req = createRequest(f)
	req.ReservePrice = decimal.NewFromInt(50)
	_, err = f.coordinator.CreateAuction(ctx, req)
	check.True(t, models.IsValidation(err))

	req = createRequest(f)
	req.EndTime = req.StartTime
	_, err = f.coordinator.CreateAuction(ctx, req)
	check.True(t, models.IsValidation(err))
}

func TestCreateAuctionLedgerFailure(t *testing.T) {
	f := newFixture(t, true)
	f.ledger.createErr = &models.LedgerSubmissionError{Op: "create_auction", Err: errors.New("timeout")}

	_, err := f.coordinator.CreateAuction(context.Background(), createRequest(f))
	check.True(t, models.IsLedgerSubmission(err))
}

func complianceEvent(auctionID string, passed bool) models.LedgerEvent {
	payload, _ := json.Marshal(models.ComplianceCheckedPayload{Passed: passed})
	return models.LedgerEvent{
		Type:      models.EventComplianceChecked,
		AuctionID: auctionID,
		TxHash:    "0xcompliance",
		LogIndex:  0,
		Payload:   payload,
	}
}

func TestComplianceEventActivatesAuction(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{Status: models.AuctionStatusCreated})

	assert.NoError(t, f.coordinator.ApplyEvent(ctx, complianceEvent(a.ID, true)))

	stored, err := f.store.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, models.AuctionStatusActive, stored.Status)
	check.True(t, stored.CompliancePassed)
}

func TestComplianceEventFailureIsTerminal(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{Status: models.AuctionStatusCreated})

	assert.NoError(t, f.coordinator.ApplyEvent(ctx, complianceEvent(a.ID, false)))

	stored, err := f.store.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, models.AuctionStatusFailedCompliance, stored.Status)
}

func TestComplianceFailureAgainstActiveAuctionConflicts(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{Status: models.AuctionStatusActive, CompliancePassed: true})

	err := f.coordinator.ApplyEvent(ctx, complianceEvent(a.ID, false))
	check.True(t, models.IsReconciliationConflict(err))
	check.Equal(t, 1, len(f.store.Conflicts()))

	// The local record is not overwritten.
	stored, err := f.store.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, models.AuctionStatusActive, stored.Status)
}

func TestPlaceBidRules(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{Status: models.AuctionStatusActive, CompliancePassed: true})

	// First bid below the start price is rejected.
	_, err := f.coordinator.PlaceBid(ctx, a.ID, models.BidRequest{
		BidderIdentity: "buyer-1", Amount: decimal.NewFromInt(99),
	})
	check.True(t, models.IsValidation(err))

	// First bid at the start price is accepted.
	resp, err := f.coordinator.PlaceBid(ctx, a.ID, models.BidRequest{
		BidderIdentity: "buyer-1", Amount: decimal.NewFromInt(100),
	})
	assert.NoError(t, err)
	check.True(t, resp.Accepted)
	check.True(t, resp.CurrentBid.Equal(decimal.NewFromInt(100)))

	// A bid equal to the current bid is rejected.
	_, err = f.coordinator.PlaceBid(ctx, a.ID, models.BidRequest{
		BidderIdentity: "buyer-2", Amount: decimal.NewFromInt(100),
	})
	check.True(t, models.IsValidation(err))

	// A strictly higher bid is accepted.
	resp, err = f.coordinator.PlaceBid(ctx, a.ID, models.BidRequest{
		BidderIdentity: "buyer-2", Amount: decimal.NewFromFloat(110.5),
	})
	assert.NoError(t, err)
	check.True(t, resp.CurrentBid.Equal(decimal.NewFromFloat(110.5)))

	// The farmer cannot bid on their own auction.
	_, err = f.coordinator.PlaceBid(ctx, a.ID, models.BidRequest{
		BidderIdentity: "farmer-1", Amount: decimal.NewFromInt(200),
	})
	check.True(t, models.IsValidation(err))

	stored, err := f.store.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, 2, stored.BidCount)
	check.Equal(t, "buyer-2", stored.CurrentBidder)
}

func TestPlaceBidOutsideWindow(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{Status: models.AuctionStatusActive, CompliancePassed: true})

	f.setClock(a.EndTime.Add(time.Second))
	_, err := f.coordinator.PlaceBid(ctx, a.ID, models.BidRequest{
		BidderIdentity: "buyer-1", Amount: decimal.NewFromInt(100),
	})
	check.True(t, models.IsValidation(err))
}

func TestPlaceBidOnCreatedAuction(t *testing.T) {
	f := newFixture(t, true)
	a := f.seed(t, models.Auction{Status: models.AuctionStatusCreated})

	_, err := f.coordinator.PlaceBid(context.Background(), a.ID, models.BidRequest{
		BidderIdentity: "buyer-1", Amount: decimal.NewFromInt(100),
	})
	check.True(t, models.IsValidation(err))
}

func bidEvent(auctionID, txHash, bidder string, amount int64) models.LedgerEvent {
	payload, _ := json.Marshal(models.BidPlacedPayload{
		BidderIdentity: bidder, Amount: decimal.NewFromInt(amount),
	})
	return models.LedgerEvent{
		Type:      models.EventBidPlaced,
		AuctionID: auctionID,
		TxHash:    txHash,
		Payload:   payload,
		Timestamp: time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC),
	}
}

func TestBidEventReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{Status: models.AuctionStatusActive, CompliancePassed: true})

	ev := bidEvent(a.ID, "0xbid1", "buyer-1", 120)
	assert.NoError(t, f.coordinator.ApplyEvent(ctx, ev))
	assert.NoError(t, f.coordinator.ApplyEvent(ctx, ev))

	stored, err := f.store.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, 1, stored.BidCount)
	check.True(t, stored.CurrentBid.Equal(decimal.NewFromInt(120)))

	history, err := f.coordinator.BidHistory(ctx, a.ID, 10)
	assert.NoError(t, err)
	check.Equal(t, 1, len(history))
}

func TestStaleBidEventIsIgnored(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{
		Status: models.AuctionStatusActive, CompliancePassed: true,
		CurrentBid: decimal.NewFromInt(150), CurrentBidder: "buyer-9", BidCount: 3,
	})

	// The chain ordered this bid below the current one; projecting it is a
	// no-op, not an error.
	assert.NoError(t, f.coordinator.ApplyEvent(ctx, bidEvent(a.ID, "0xstale", "buyer-1", 120)))

	stored, err := f.store.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, 3, stored.BidCount)
	check.True(t, stored.CurrentBid.Equal(decimal.NewFromInt(150)))
}

func TestBidEventAgainstTerminalAuctionConflicts(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{Status: models.AuctionStatusCancelled})

	err := f.coordinator.ApplyEvent(ctx, bidEvent(a.ID, "0xbid1", "buyer-1", 120))
	check.True(t, models.IsReconciliationConflict(err))
	check.Equal(t, 1, len(f.store.Conflicts()))
}

func TestEndAuction(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{
		Status: models.AuctionStatusActive, CompliancePassed: true,
		CurrentBid: decimal.NewFromInt(130), CurrentBidder: "buyer-1", BidCount: 2,
	})

	ended, err := f.coordinator.EndAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, models.AuctionStatusEnded, ended.Status)
	check.Equal(t, "buyer-1", ended.CurrentBidder)

	// Ending twice is an illegal edge, not a silent no-op.
	_, err = f.coordinator.EndAuction(ctx, a.ID)
	check.True(t, models.IsInvalidTransition(err))
}

func TestEndedEventOnCreatedAuctionIsDeferred(t *testing.T) {
	f := newFixture(t, true)
	a := f.seed(t, models.Auction{Status: models.AuctionStatusCreated})

	err := f.coordinator.ApplyEvent(context.Background(), models.LedgerEvent{
		Type: models.EventAuctionEnded, AuctionID: a.ID, TxHash: "0xend",
	})
	check.True(t, errors.Is(err, models.ErrEventOutOfOrder))
}

func TestEndedEventIdempotentOnEndedAuction(t *testing.T) {
	f := newFixture(t, true)
	a := f.seed(t, models.Auction{Status: models.AuctionStatusEnded})

	check.NoError(t, f.coordinator.ApplyEvent(context.Background(), models.LedgerEvent{
		Type: models.EventAuctionEnded, AuctionID: a.ID, TxHash: "0xend",
	}))
}

func TestLockEscrowRules(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{
		Status: models.AuctionStatusEnded, CompliancePassed: true,
		CurrentBid: decimal.NewFromInt(130), CurrentBidder: "buyer-1", BidCount: 2,
	})

	// Only the winning bidder may deposit.
	_, err := f.coordinator.LockEscrow(ctx, a.ID, models.LockEscrowRequest{
		Depositor: "buyer-2", Amount: decimal.NewFromInt(130), TxRef: "0xdep",
	})
	check.True(t, models.IsValidation(err))

	// The deposit must equal the winning bid.
	_, err = f.coordinator.LockEscrow(ctx, a.ID, models.LockEscrowRequest{
		Depositor: "buyer-1", Amount: decimal.NewFromInt(100), TxRef: "0xdep",
	})
	check.True(t, models.IsValidation(err))

	locked, err := f.coordinator.LockEscrow(ctx, a.ID, models.LockEscrowRequest{
		Depositor: "buyer-1", Amount: decimal.NewFromInt(130), TxRef: "0xdep",
	})
	assert.NoError(t, err)
	check.True(t, locked.EscrowLocked)
	check.Equal(t, "0xdep", locked.EscrowTxRef)

	// A second deposit for the same auction is rejected.
	_, err = f.coordinator.LockEscrow(ctx, a.ID, models.LockEscrowRequest{
		Depositor: "buyer-1", Amount: decimal.NewFromInt(130), TxRef: "0xdep2",
	})
	check.True(t, models.IsInvalidTransition(err))
}

func TestSettleFlow(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{
		Status: models.AuctionStatusEnded, CompliancePassed: true,
		CurrentBid: decimal.NewFromInt(1000), CurrentBidder: "buyer-1",
	})
	_, err := f.coordinator.PlaceBid(ctx, a.ID, models.BidRequest{})
	check.Error(t, err) // sanity: ended auctions accept no bids

	// Settlement requires a locked deposit.
	_, err = f.coordinator.Settle(ctx, a.ID, models.SettleRequest{ShipmentConfirmed: true})
	check.True(t, models.IsInvalidTransition(err))

	_, err = f.coordinator.LockEscrow(ctx, a.ID, models.LockEscrowRequest{
		Depositor: "buyer-1", Amount: decimal.NewFromInt(1000), TxRef: "0xdep",
	})
	assert.NoError(t, err)

	// Settlement requires the shipment confirmation.
	_, err = f.coordinator.Settle(ctx, a.ID, models.SettleRequest{})
	check.True(t, models.IsValidation(err))

	settled, err := f.coordinator.Settle(ctx, a.ID, models.SettleRequest{ShipmentConfirmed: true})
	assert.NoError(t, err)
	check.Equal(t, models.AuctionStatusSettled, settled.Status)
	check.Equal(t, "0xsettle", settled.SettlementTxRef)
	check.Equal(t, []string{a.ID}, f.ledger.settled)

	settlement, err := f.store.GetSettlement(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, models.SettlementStatusCompleted, settlement.Status)
	check.True(t, settlement.PlatformFee.Equal(decimal.NewFromInt(25))) // 250 bps of 1000
	check.True(t, settlement.FarmerPayout.Equal(decimal.NewFromInt(975)))

	deposit, err := f.store.GetEscrowDeposit(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, models.EscrowStatusReleased, deposit.Status)

	// Settling twice is an illegal edge.
	_, err = f.coordinator.Settle(ctx, a.ID, models.SettleRequest{ShipmentConfirmed: true})
	check.True(t, models.IsInvalidTransition(err))
}

func TestSettleRequiresCompliance(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{
		Status: models.AuctionStatusEnded, CompliancePassed: false,
		CurrentBid: decimal.NewFromInt(500), CurrentBidder: "buyer-1", EscrowLocked: true,
	})

	_, err := f.coordinator.Settle(ctx, a.ID, models.SettleRequest{ShipmentConfirmed: true})
	check.True(t, models.IsValidation(err))
}

func TestCancelRefundsEscrow(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{
		Status: models.AuctionStatusEnded, CompliancePassed: true,
		CurrentBid: decimal.NewFromInt(300), CurrentBidder: "buyer-1",
	})
	_, err := f.coordinator.LockEscrow(ctx, a.ID, models.LockEscrowRequest{
		Depositor: "buyer-1", Amount: decimal.NewFromInt(300), TxRef: "0xdep",
	})
	assert.NoError(t, err)

	// Unknown reason codes are rejected outright.
	_, err = f.coordinator.Cancel(ctx, a.ID, models.CancelRequest{
		CancelledBy: "admin", ReasonCode: "because",
	})
	check.True(t, models.IsValidation(err))

	cancelled, err := f.coordinator.Cancel(ctx, a.ID, models.CancelRequest{
		CancelledBy: "admin", ReasonCode: models.ReasonShipmentFailure,
	})
	assert.NoError(t, err)
	check.Equal(t, models.AuctionStatusCancelled, cancelled.Status)

	deposit, err := f.store.GetEscrowDeposit(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, models.EscrowStatusRefunded, deposit.Status)

	record, err := f.store.GetCancellation(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, models.ReasonShipmentFailure, record.ReasonCode)
	check.True(t, record.EscrowRefunded)
}

func TestCancelAfterSettlementRejected(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{
		Status: models.AuctionStatusEnded, CompliancePassed: true,
		CurrentBid: decimal.NewFromInt(300), CurrentBidder: "buyer-1",
	})
	_, err := f.coordinator.LockEscrow(ctx, a.ID, models.LockEscrowRequest{
		Depositor: "buyer-1", Amount: decimal.NewFromInt(300), TxRef: "0xdep",
	})
	assert.NoError(t, err)
	_, err = f.coordinator.Settle(ctx, a.ID, models.SettleRequest{ShipmentConfirmed: true})
	assert.NoError(t, err)

	_, err = f.coordinator.Cancel(ctx, a.ID, models.CancelRequest{
		CancelledBy: "admin", ReasonCode: models.ReasonOther,
	})
	check.True(t, models.IsInvalidTransition(err))
}

func TestEscrowExpiryFlag(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{
		Status: models.AuctionStatusEnded, CompliancePassed: true,
		CurrentBid: decimal.NewFromInt(200), CurrentBidder: "buyer-1",
		EndTime: f.now.Add(-30 * time.Minute),
	})

	// Within the deposit window.
	_, expired, err := f.coordinator.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.False(t, expired)

	// Window lapsed with no deposit; the flag flips but the status does not.
	late := f.now.Add(2 * time.Hour)
	f.setClock(late)
	esc := escrow.NewCoordinator(f.store, time.Hour, 250, nil)
	esc.SetClock(func() time.Time { return late })
	f.coordinator.escrow = esc

	_, expired, err = f.coordinator.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.True(t, expired)

	stored, err := f.store.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, models.AuctionStatusEnded, stored.Status)

	// The explicit cancel path resolves the expiry.
	_, err = f.coordinator.Cancel(ctx, a.ID, models.CancelRequest{
		CancelledBy: "scheduler", ReasonCode: models.ReasonEscrowNotDeposited,
	})
	assert.NoError(t, err)
}

func TestSettledEventRequiresLocalEscrow(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{
		Status: models.AuctionStatusEnded, CompliancePassed: true,
		CurrentBid: decimal.NewFromInt(400), CurrentBidder: "buyer-1",
	})

	err := f.coordinator.ApplyEvent(ctx, models.LedgerEvent{
		Type: models.EventAuctionSettled, AuctionID: a.ID, TxHash: "0xsettle",
	})
	check.True(t, models.IsReconciliationConflict(err))
	check.Equal(t, 1, len(f.store.Conflicts()))
}

func TestSettledEventBeforeEndingIsDeferred(t *testing.T) {
	f := newFixture(t, true)
	a := f.seed(t, models.Auction{Status: models.AuctionStatusActive, CompliancePassed: true})

	err := f.coordinator.ApplyEvent(context.Background(), models.LedgerEvent{
		Type: models.EventAuctionSettled, AuctionID: a.ID, TxHash: "0xsettle",
	})
	check.True(t, errors.Is(err, models.ErrEventOutOfOrder))
}

func TestSettledEventProjectsSettlement(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{
		Status: models.AuctionStatusEnded, CompliancePassed: true,
		CurrentBid: decimal.NewFromInt(1000), CurrentBidder: "buyer-1", EscrowLocked: true,
	})
	assert.NoError(t, f.store.CreateEscrowDeposit(ctx, &models.EscrowDeposit{
		AuctionID: a.ID, DepositorIdentity: "buyer-1",
		Amount: decimal.NewFromInt(1000), TxRef: "0xdep", Status: models.EscrowStatusLocked,
	}))

	ev := models.LedgerEvent{Type: models.EventAuctionSettled, AuctionID: a.ID, TxHash: "0xsettle"}
	assert.NoError(t, f.coordinator.ApplyEvent(ctx, ev))
	// Replay is a no-op once settled.
	assert.NoError(t, f.coordinator.ApplyEvent(ctx, ev))

	stored, err := f.store.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, models.AuctionStatusSettled, stored.Status)
	check.Equal(t, "0xsettle", stored.SettlementTxRef)
}

func TestEventForUnknownAuctionReturnsNotFound(t *testing.T) {
	f := newFixture(t, true)

	err := f.coordinator.ApplyEvent(context.Background(), bidEvent("missing", "0xbid", "buyer-1", 100))
	check.True(t, errors.Is(err, models.ErrNotFound))
}

// stallFirstPublisher records every message and sleeps on the first call,
// simulating a bus hiccup on the earliest committed write.
type stallFirstPublisher struct {
	mu    sync.Mutex
	calls int
	msgs  []models.FanoutMessage
}

func (p *stallFirstPublisher) Publish(_ context.Context, msg models.FanoutMessage) error {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()
	if first {
		time.Sleep(100 * time.Millisecond)
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
	return nil
}

func (p *stallFirstPublisher) bidAmounts(t *testing.T) []string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, msg := range p.msgs {
		if msg.Type != models.FanoutTypeBidPlaced {
			continue
		}
		var bid models.Bid
		assert.NoError(t, json.Unmarshal(msg.Payload, &bid))
		out = append(out, bid.Amount.String())
	}
	return out
}

func TestPublishKeepsCommitOrderUnderSlowBus(t *testing.T) {
	f := newFixture(t, true)
	bus := &stallFirstPublisher{}
	f.coordinator.bus = bus

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.coordinator.Run(ctx)

	a := f.seed(t, models.Auction{Status: models.AuctionStatusActive, CompliancePassed: true})

	_, err := f.coordinator.PlaceBid(ctx, a.ID, models.BidRequest{
		BidderIdentity: "buyer-1", Amount: decimal.NewFromInt(100),
	})
	assert.NoError(t, err)
	_, err = f.coordinator.PlaceBid(ctx, a.ID, models.BidRequest{
		BidderIdentity: "buyer-2", Amount: decimal.NewFromInt(110),
	})
	assert.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for len(bus.bidAmounts(t)) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d messages published", len(bus.bidAmounts(t)))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The bus stalled on the first bid; subscribers must still see the bids
	// in commit order.
	check.Equal(t, []string{"100", "110"}, bus.bidAmounts(t))
}

func TestEarlyComplianceVerdictActivatesWhenWindowOpens(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{
		Status:    models.AuctionStatusCreated,
		StartTime: f.now.Add(30 * time.Minute),
		EndTime:   f.now.Add(2 * time.Hour),
	})

	// The verdict lands before the window opens: flag set, status held.
	assert.NoError(t, f.coordinator.ApplyEvent(ctx, complianceEvent(a.ID, true)))
	stored, err := f.store.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, models.AuctionStatusCreated, stored.Status)
	check.True(t, stored.CompliancePassed)

	// Once the window opens, a read applies the due activation.
	f.setClock(f.now.Add(time.Hour))
	got, _, err := f.coordinator.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, models.AuctionStatusActive, got.Status)
}

func TestEarlyComplianceVerdictActivatesOnFirstBid(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{
		Status:    models.AuctionStatusCreated,
		StartTime: f.now.Add(30 * time.Minute),
		EndTime:   f.now.Add(2 * time.Hour),
	})
	assert.NoError(t, f.coordinator.ApplyEvent(ctx, complianceEvent(a.ID, true)))

	// Before the window opens bids stay rejected.
	_, err := f.coordinator.PlaceBid(ctx, a.ID, models.BidRequest{
		BidderIdentity: "buyer-1", Amount: decimal.NewFromInt(100),
	})
	check.True(t, models.IsValidation(err))

	f.setClock(f.now.Add(time.Hour))
	resp, err := f.coordinator.PlaceBid(ctx, a.ID, models.BidRequest{
		BidderIdentity: "buyer-1", Amount: decimal.NewFromInt(100),
	})
	assert.NoError(t, err)
	check.True(t, resp.Accepted)

	stored, err := f.store.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, models.AuctionStatusActive, stored.Status)
}

func TestEarlyComplianceVerdictThenEndedEvent(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{
		Status:    models.AuctionStatusCreated,
		StartTime: f.now.Add(30 * time.Minute),
		EndTime:   f.now.Add(time.Hour),
	})
	assert.NoError(t, f.coordinator.ApplyEvent(ctx, complianceEvent(a.ID, true)))

	// The chain ended the auction; with the window long open, the held
	// activation is applied first and the end projects instead of deferring.
	f.setClock(f.now.Add(2 * time.Hour))
	assert.NoError(t, f.coordinator.ApplyEvent(ctx, models.LedgerEvent{
		Type: models.EventAuctionEnded, AuctionID: a.ID, TxHash: "0xend",
	}))

	stored, err := f.store.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, models.AuctionStatusEnded, stored.Status)
}

func TestConcurrentBidsKeepCountConsistent(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a := f.seed(t, models.Auction{Status: models.AuctionStatusActive, CompliancePassed: true})

	const n = 20
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func(amount int64) {
			defer func() { done <- struct{}{} }()
			f.coordinator.PlaceBid(ctx, a.ID, models.BidRequest{
				BidderIdentity: "buyer-x", Amount: decimal.NewFromInt(amount),
			})
		}(int64(100 + i))
	}
	for i := 0; i < n; i++ {
		<-done
	}

	stored, err := f.store.GetAuction(ctx, a.ID)
	assert.NoError(t, err)
	history, err := f.coordinator.BidHistory(ctx, a.ID, 0)
	assert.NoError(t, err)
	check.Equal(t, stored.BidCount, len(history))
	check.True(t, stored.CurrentBid.Equal(decimal.NewFromInt(100 + n - 1)))
}
