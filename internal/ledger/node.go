// Package ledger talks to the external smart-contract ledger. The chain is
// treated as an opaque but authoritative state source: writes are serialized
// per signing identity through the nonce Sequencer and submitted through the
// Gateway; the resulting events flow back through the reconciliation worker.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
)

// Tx is one signed ledger write awaiting submission.
type Tx struct {
	Method   string         `json:"method"`
	Sender   string         `json:"sender"`
	Sequence uint64         `json:"sequence"`
	Params   map[string]any `json:"params"`
}

// ReceiptEvent is one event emitted by an included transaction.
type ReceiptEvent struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Receipt is returned once a submitted transaction is included.
type Receipt struct {
	TxHash string         `json:"tx_hash"`
	Height uint64         `json:"height"`
	Events []ReceiptEvent `json:"events"`
}

// ChainAuction is the on-chain view of an auction returned by reads.
type ChainAuction struct {
	ID             string          `json:"id"`
	LotID          string          `json:"lot_id"`
	FarmerIdentity string          `json:"farmer_identity"`
	Status         string          `json:"status"`
	CurrentBid     decimal.Decimal `json:"current_bid"`
	CurrentBidder  string          `json:"current_bidder"`
}

// Node is the transport to a chain node. The HTTP implementation backs the
// running service; tests use a fake.
type Node interface {
	// PendingSequence returns the identity's next sequence number counting
	// transactions still in the mempool.
	PendingSequence(ctx context.Context, identity string) (uint64, error)
	// Submit broadcasts a transaction and returns its hash.
	Submit(ctx context.Context, tx Tx) (string, error)
	// WaitInclusion blocks until the transaction is included or ctx expires.
	WaitInclusion(ctx context.Context, txHash string) (*Receipt, error)

	ReadAuction(ctx context.Context, auctionID string) (*ChainAuction, error)
	ReadBidHistory(ctx context.Context, auctionID string) ([]models.Bid, error)
	TotalAuctions(ctx context.Context) (uint64, error)
	TotalLots(ctx context.Context) (uint64, error)
}

// HTTPNode implements Node against a chain node's JSON HTTP interface.
type HTTPNode struct {
	baseURL string
	client  *http.Client
}

// NewHTTPNode creates an HTTPNode for the given base URL.
func NewHTTPNode(baseURL string) *HTTPNode {
	return &HTTPNode{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (n *HTTPNode) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("node request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (n *HTTPNode) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("node request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return models.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (n *HTTPNode) PendingSequence(ctx context.Context, identity string) (uint64, error) {
	var out struct {
		Sequence uint64 `json:"sequence"`
	}
	if err := n.get(ctx, "/accounts/"+identity+"/sequence?pending=true", &out); err != nil {
		return 0, err
	}
	return out.Sequence, nil
}

func (n *HTTPNode) Submit(ctx context.Context, tx Tx) (string, error) {
	var out struct {
		TxHash string `json:"tx_hash"`
	}
	if err := n.post(ctx, "/txs", tx, &out); err != nil {
		return "", err
	}
	return out.TxHash, nil
}

func (n *HTTPNode) WaitInclusion(ctx context.Context, txHash string) (*Receipt, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		var receipt Receipt
		err := n.get(ctx, "/txs/"+txHash, &receipt)
		if err == nil {
			return &receipt, nil
		}
		if err != models.ErrNotFound {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("inclusion wait for %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (n *HTTPNode) ReadAuction(ctx context.Context, auctionID string) (*ChainAuction, error) {
	var out ChainAuction
	if err := n.get(ctx, "/auctions/"+auctionID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (n *HTTPNode) ReadBidHistory(ctx context.Context, auctionID string) ([]models.Bid, error) {
	var out []models.Bid
	if err := n.get(ctx, "/auctions/"+auctionID+"/bids", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (n *HTTPNode) TotalAuctions(ctx context.Context) (uint64, error) {
	var out struct {
		Total uint64 `json:"total"`
	}
	if err := n.get(ctx, "/auctions/total", &out); err != nil {
		return 0, err
	}
	return out.Total, nil
}

func (n *HTTPNode) TotalLots(ctx context.Context) (uint64, error) {
	var out struct {
		Total uint64 `json:"total"`
	}
	if err := n.get(ctx, "/lots/total", &out); err != nil {
		return 0, err
	}
	return out.Total, nil
}
