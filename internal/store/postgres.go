package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
)

// Postgres implements Store on top of PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens and pings a PostgreSQL connection.
func NewPostgres(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{db: db}, nil
}

// InitSchema creates the tables backing the projection.
func (p *Postgres) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS auctions (
		id VARCHAR(255) PRIMARY KEY,
		lot_id VARCHAR(255) NOT NULL,
		farmer_identity VARCHAR(255) NOT NULL,
		start_price NUMERIC(20, 4) NOT NULL,
		reserve_price NUMERIC(20, 4) NOT NULL,
		currency VARCHAR(10) NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		status VARCHAR(32) NOT NULL,
		compliance_passed BOOLEAN NOT NULL DEFAULT FALSE,
		current_bid NUMERIC(20, 4) NOT NULL DEFAULT 0,
		current_bidder VARCHAR(255) NOT NULL DEFAULT '',
		bid_count INTEGER NOT NULL DEFAULT 0,
		escrow_locked BOOLEAN NOT NULL DEFAULT FALSE,
		escrow_tx_ref VARCHAR(255) NOT NULL DEFAULT '',
		settlement_tx_ref VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS bids (
		id VARCHAR(255) PRIMARY KEY,
		auction_id VARCHAR(255) NOT NULL REFERENCES auctions(id) ON DELETE CASCADE,
		bidder_identity VARCHAR(255) NOT NULL,
		amount NUMERIC(20, 4) NOT NULL,
		currency VARCHAR(10) NOT NULL,
		placed_at TIMESTAMPTZ NOT NULL,
		status VARCHAR(32) NOT NULL,
		tx_ref VARCHAR(255) NOT NULL UNIQUE
	);
	CREATE INDEX IF NOT EXISTS idx_bids_auction_id ON bids(auction_id);
	CREATE INDEX IF NOT EXISTS idx_bids_placed_at ON bids(placed_at);

	CREATE TABLE IF NOT EXISTS escrow_deposits (
		auction_id VARCHAR(255) PRIMARY KEY REFERENCES auctions(id) ON DELETE CASCADE,
		depositor_identity VARCHAR(255) NOT NULL,
		amount NUMERIC(20, 4) NOT NULL,
		tx_ref VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		shipment_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		deposited_at TIMESTAMPTZ NOT NULL,
		released_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS settlements (
		auction_id VARCHAR(255) PRIMARY KEY REFERENCES auctions(id) ON DELETE CASCADE,
		farmer_identity VARCHAR(255) NOT NULL,
		buyer_identity VARCHAR(255) NOT NULL,
		final_amount NUMERIC(20, 4) NOT NULL,
		platform_fee NUMERIC(20, 4) NOT NULL,
		farmer_payout NUMERIC(20, 4) NOT NULL,
		status VARCHAR(32) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS cancellations (
		auction_id VARCHAR(255) PRIMARY KEY REFERENCES auctions(id) ON DELETE CASCADE,
		cancelled_by VARCHAR(255) NOT NULL,
		reason_code VARCHAR(64) NOT NULL,
		escrow_refunded BOOLEAN NOT NULL,
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS processed_events (
		event_type VARCHAR(64) NOT NULL,
		tx_hash VARCHAR(255) NOT NULL,
		log_index BIGINT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (event_type, tx_hash, log_index)
	);

	CREATE TABLE IF NOT EXISTS reconciliation_conflicts (
		id VARCHAR(255) PRIMARY KEY,
		event_type VARCHAR(64) NOT NULL,
		auction_id VARCHAR(255) NOT NULL,
		tx_hash VARCHAR(255) NOT NULL,
		log_index BIGINT NOT NULL,
		local_status VARCHAR(32) NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`

	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (p *Postgres) CreateAuction(ctx context.Context, a *models.Auction) error {
	query := `
		INSERT INTO auctions (
			id, lot_id, farmer_identity, start_price, reserve_price, currency,
			start_time, end_time, status, compliance_passed, current_bid,
			current_bidder, bid_count, escrow_locked, escrow_tx_ref,
			settlement_tx_ref, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`
	_, err := p.db.ExecContext(ctx, query,
		a.ID, a.LotID, a.FarmerIdentity, a.StartPrice, a.ReservePrice, a.Currency,
		a.StartTime, a.EndTime, a.Status, a.CompliancePassed, a.CurrentBid,
		a.CurrentBidder, a.BidCount, a.EscrowLocked, a.EscrowTxRef,
		a.SettlementTxRef, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert auction: %w", err)
	}
	return nil
}

func (p *Postgres) GetAuction(ctx context.Context, id string) (*models.Auction, error) {
	query := `
		SELECT id, lot_id, farmer_identity, start_price, reserve_price, currency,
		       start_time, end_time, status, compliance_passed, current_bid,
		       current_bidder, bid_count, escrow_locked, escrow_tx_ref,
		       settlement_tx_ref, created_at, updated_at
		FROM auctions WHERE id = $1
	`
	a := &models.Auction{}
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.LotID, &a.FarmerIdentity, &a.StartPrice, &a.ReservePrice, &a.Currency,
		&a.StartTime, &a.EndTime, &a.Status, &a.CompliancePassed, &a.CurrentBid,
		&a.CurrentBidder, &a.BidCount, &a.EscrowLocked, &a.EscrowTxRef,
		&a.SettlementTxRef, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}
	return a, nil
}

func (p *Postgres) UpdateAuction(ctx context.Context, a *models.Auction) error {
	query := `
		UPDATE auctions SET
			status = $2, compliance_passed = $3, current_bid = $4,
			current_bidder = $5, bid_count = $6, escrow_locked = $7,
			escrow_tx_ref = $8, settlement_tx_ref = $9, updated_at = $10
		WHERE id = $1
	`
	res, err := p.db.ExecContext(ctx, query,
		a.ID, a.Status, a.CompliancePassed, a.CurrentBid,
		a.CurrentBidder, a.BidCount, a.EscrowLocked,
		a.EscrowTxRef, a.SettlementTxRef, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update auction: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *Postgres) InsertBid(ctx context.Context, b *models.Bid) (bool, error) {
	query := `
		INSERT INTO bids (id, auction_id, bidder_identity, amount, currency, placed_at, status, tx_ref)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (tx_ref) DO NOTHING
	`
	res, err := p.db.ExecContext(ctx, query,
		b.ID, b.AuctionID, b.BidderIdentity, b.Amount, b.Currency, b.PlacedAt, b.Status, b.TxRef,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert bid: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

func (p *Postgres) GetBidHistory(ctx context.Context, auctionID string, limit int) ([]*models.Bid, error) {
	query := `
		SELECT id, auction_id, bidder_identity, amount, currency, placed_at, status, tx_ref
		FROM bids
		WHERE auction_id = $1
		ORDER BY placed_at DESC
		LIMIT $2
	`
	rows, err := p.db.QueryContext(ctx, query, auctionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var bids []*models.Bid
	for rows.Next() {
		b := &models.Bid{}
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderIdentity, &b.Amount,
			&b.Currency, &b.PlacedAt, &b.Status, &b.TxRef); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func (p *Postgres) SettleBids(ctx context.Context, auctionID, winner string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE bids SET status = $1 WHERE auction_id = $2 AND bidder_identity = $3`,
		models.BidStatusWon, auctionID, winner); err != nil {
		return fmt.Errorf("failed to mark winning bids: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE bids SET status = $1 WHERE auction_id = $2 AND bidder_identity <> $3`,
		models.BidStatusRefunded, auctionID, winner); err != nil {
		return fmt.Errorf("failed to mark refunded bids: %w", err)
	}
	return tx.Commit()
}

func (p *Postgres) CreateEscrowDeposit(ctx context.Context, d *models.EscrowDeposit) error {
	query := `
		INSERT INTO escrow_deposits (auction_id, depositor_identity, amount, tx_ref, status, shipment_confirmed, deposited_at, released_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	_, err := p.db.ExecContext(ctx, query,
		d.AuctionID, d.DepositorIdentity, d.Amount, d.TxRef, d.Status, d.ShipmentConfirmed, d.DepositedAt, d.ReleasedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert escrow deposit: %w", err)
	}
	return nil
}

func (p *Postgres) GetEscrowDeposit(ctx context.Context, auctionID string) (*models.EscrowDeposit, error) {
	query := `
		SELECT auction_id, depositor_identity, amount, tx_ref, status, shipment_confirmed, deposited_at, released_at
		FROM escrow_deposits WHERE auction_id = $1
	`
	d := &models.EscrowDeposit{}
	err := p.db.QueryRowContext(ctx, query, auctionID).Scan(
		&d.AuctionID, &d.DepositorIdentity, &d.Amount, &d.TxRef, &d.Status, &d.ShipmentConfirmed, &d.DepositedAt, &d.ReleasedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow deposit: %w", err)
	}
	return d, nil
}

func (p *Postgres) UpdateEscrowDeposit(ctx context.Context, d *models.EscrowDeposit) error {
	query := `
		UPDATE escrow_deposits
		SET status = $2, shipment_confirmed = $3, released_at = $4, tx_ref = $5
		WHERE auction_id = $1
	`
	res, err := p.db.ExecContext(ctx, query, d.AuctionID, d.Status, d.ShipmentConfirmed, d.ReleasedAt, d.TxRef)
	if err != nil {
		return fmt.Errorf("failed to update escrow deposit: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (p *Postgres) UpsertSettlement(ctx context.Context, s *models.Settlement) error {
	query := `
		INSERT INTO settlements (auction_id, farmer_identity, buyer_identity, final_amount, platform_fee, farmer_payout, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (auction_id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	`
	_, err := p.db.ExecContext(ctx, query,
		s.AuctionID, s.FarmerIdentity, s.BuyerIdentity, s.FinalAmount, s.PlatformFee, s.FarmerPayout, s.Status, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert settlement: %w", err)
	}
	return nil
}

func (p *Postgres) GetSettlement(ctx context.Context, auctionID string) (*models.Settlement, error) {
	query := `
		SELECT auction_id, farmer_identity, buyer_identity, final_amount, platform_fee, farmer_payout, status, created_at, updated_at
		FROM settlements WHERE auction_id = $1
	`
	s := &models.Settlement{}
	err := p.db.QueryRowContext(ctx, query, auctionID).Scan(
		&s.AuctionID, &s.FarmerIdentity, &s.BuyerIdentity, &s.FinalAmount, &s.PlatformFee, &s.FarmerPayout, &s.Status, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return s, nil
}

func (p *Postgres) CreateCancellation(ctx context.Context, c *models.Cancellation) error {
	query := `
		INSERT INTO cancellations (auction_id, cancelled_by, reason_code, escrow_refunded, resolved, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	_, err := p.db.ExecContext(ctx, query,
		c.AuctionID, c.CancelledBy, c.ReasonCode, c.EscrowRefunded, c.Resolved, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cancellation: %w", err)
	}
	return nil
}

func (p *Postgres) GetCancellation(ctx context.Context, auctionID string) (*models.Cancellation, error) {
	query := `
		SELECT auction_id, cancelled_by, reason_code, escrow_refunded, resolved, created_at
		FROM cancellations WHERE auction_id = $1
	`
	c := &models.Cancellation{}
	err := p.db.QueryRowContext(ctx, query, auctionID).Scan(
		&c.AuctionID, &c.CancelledBy, &c.ReasonCode, &c.EscrowRefunded, &c.Resolved, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cancellation: %w", err)
	}
	return c, nil
}

func (p *Postgres) SeenEvent(ctx context.Context, eventType, txHash string, logIndex uint64) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_type = $1 AND tx_hash = $2 AND log_index = $3)`,
		eventType, txHash, logIndex,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

func (p *Postgres) MarkEventProcessed(ctx context.Context, eventType, txHash string, logIndex uint64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_type, tx_hash, log_index) VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`,
		eventType, txHash, logIndex,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

func (p *Postgres) RecordConflict(ctx context.Context, c *models.ReconciliationConflict) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	query := `
		INSERT INTO reconciliation_conflicts (id, event_type, auction_id, tx_hash, log_index, local_status, detail, resolved, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	_, err := p.db.ExecContext(ctx, query,
		c.ID, c.EventType, c.AuctionID, c.TxHash, c.LogIndex, c.LocalStatus, c.Detail, c.Resolved, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (p *Postgres) Close() error {
	return p.db.Close()
}
