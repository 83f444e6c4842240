package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
)

// Event/attribute names emitted by the auction contract.
const (
	eventLotCreated     = "LotCreated"
	eventAuctionCreated = "AuctionCreated"
	attrLotID           = "lot_id"
	attrAuctionID       = "auction_id"
)

// Gateway exposes the typed ledger operations the coordinator needs. Every
// write goes through the nonce sequencer, waits for inclusion within a
// finite timeout, and resets the sequencer on any failure before returning.
type Gateway struct {
	node      Node
	seq       *Sequencer
	signer    string
	inclusion time.Duration
	logger    *slog.Logger
}

// NewGateway creates a Gateway signing as the platform identity.
func NewGateway(node Node, seq *Sequencer, signer string, inclusionTimeout time.Duration, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if inclusionTimeout <= 0 {
		inclusionTimeout = 30 * time.Second
	}
	return &Gateway{
		node:      node,
		seq:       seq,
		signer:    signer,
		inclusion: inclusionTimeout,
		logger:    logger,
	}
}

// submit serializes, broadcasts and waits for inclusion of one write. Any
// failure resets the nonce sequencer before the error propagates, so the
// next acquire re-derives instead of reusing a stale sequence.
func (g *Gateway) submit(ctx context.Context, op string, params map[string]any) (*Receipt, error) {
	seq, err := g.seq.Acquire(ctx, g.signer)
	if err != nil {
		return nil, &models.LedgerSubmissionError{Op: op, Err: err}
	}

	tx := Tx{Method: op, Sender: g.signer, Sequence: seq, Params: params}

	txHash, err := g.node.Submit(ctx, tx)
	if err != nil {
		g.seq.Reset(g.signer)
		return nil, &models.LedgerSubmissionError{Op: op, Err: err}
	}

	inclCtx, cancel := context.WithTimeout(ctx, g.inclusion)
	defer cancel()

	receipt, err := g.node.WaitInclusion(inclCtx, txHash)
	if err != nil {
		g.seq.Reset(g.signer)
		return nil, &models.LedgerSubmissionError{Op: op, Err: err}
	}

	g.seq.Release(g.signer)
	g.logger.Debug("ledger write included",
		"op", op, "tx_hash", receipt.TxHash, "height", receipt.Height, "sequence", seq)
	return receipt, nil
}

// identifierFromReceipt extracts the created identifier from the receipt's
// events, falling back to the ledger's total count minus one. When neither
// source yields an identifier it returns ErrUnknownIdentifier rather than
// fabricating one.
func (g *Gateway) identifierFromReceipt(ctx context.Context, receipt *Receipt, eventType, attr string,
	total func(context.Context) (uint64, error)) (string, error) {

	for _, ev := range receipt.Events {
		if ev.Type != eventType {
			continue
		}
		if id, ok := ev.Attributes[attr]; ok && id != "" {
			return id, nil
		}
	}

	g.logger.Warn("receipt missing identifier, falling back to total count",
		"event", eventType, "tx_hash", receipt.TxHash)

	count, err := total(ctx)
	if err != nil || count == 0 {
		return "", fmt.Errorf("%w: tx %s", models.ErrUnknownIdentifier, receipt.TxHash)
	}
	return strconv.FormatUint(count-1, 10), nil
}

// CreateLot registers a pepper lot on the ledger and returns its identifier.
func (g *Gateway) CreateLot(ctx context.Context, farmer, certificateHash string) (string, *Receipt, error) {
	receipt, err := g.submit(ctx, "create_lot", map[string]any{
		"farmer":           farmer,
		"certificate_hash": certificateHash,
	})
	if err != nil {
		return "", nil, err
	}
	id, err := g.identifierFromReceipt(ctx, receipt, eventLotCreated, attrLotID, g.node.TotalLots)
	if err != nil {
		return "", receipt, err
	}
	return id, receipt, nil
}

// CreateAuction opens an auction for a lot and returns its identifier.
func (g *Gateway) CreateAuction(ctx context.Context, lotID string, startPrice, reservePrice decimal.Decimal,
	startTime, endTime time.Time) (string, *Receipt, error) {

	receipt, err := g.submit(ctx, "create_auction", map[string]any{
		"lot_id":        lotID,
		"start_price":   startPrice.String(),
		"reserve_price": reservePrice.String(),
		"start_time":    startTime.UTC().Format(time.RFC3339),
		"end_time":      endTime.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", nil, err
	}
	id, err := g.identifierFromReceipt(ctx, receipt, eventAuctionCreated, attrAuctionID, g.node.TotalAuctions)
	if err != nil {
		return "", receipt, err
	}
	return id, receipt, nil
}

// SetComplianceStatus records the compliance verdict for an auction.
func (g *Gateway) SetComplianceStatus(ctx context.Context, auctionID string, passed bool) (*Receipt, error) {
	return g.submit(ctx, "set_compliance_status", map[string]any{
		"auction_id": auctionID,
		"passed":     passed,
	})
}

// Settle finalizes a won auction on the ledger.
func (g *Gateway) Settle(ctx context.Context, auctionID string) (*Receipt, error) {
	return g.submit(ctx, "settle", map[string]any{
		"auction_id": auctionID,
	})
}

// ReadAuction returns the on-chain state of an auction.
func (g *Gateway) ReadAuction(ctx context.Context, auctionID string) (*ChainAuction, error) {
	return g.node.ReadAuction(ctx, auctionID)
}

// ReadBidHistory returns the on-chain bid history of an auction.
func (g *Gateway) ReadBidHistory(ctx context.Context, auctionID string) ([]models.Bid, error) {
	return g.node.ReadBidHistory(ctx, auctionID)
}
