package bids

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// HotPath keeps the current highest bid per auction in Redis, updated with
// an atomic compare-and-set so concurrent writers across instances agree on
// the cached price without racing.
type HotPath struct {
	client    *redis.Client
	bidScript *redis.Script
}

// The script compares the incoming amount against the stored price and only
// advances when strictly higher. Runs atomically on the Redis server.
var casScript = redis.NewScript(`
	-- KEYS[1]: auction:{id}:current_bid
	-- KEYS[2]: auction:{id}:current_bidder
	-- ARGV[1]: new bid amount
	-- ARGV[2]: bidder identity
	local current = redis.call('GET', KEYS[1])
	if not current then
		current = '0'
	end
	if tonumber(ARGV[1]) > tonumber(current) then
		redis.call('SET', KEYS[1], ARGV[1])
		redis.call('SET', KEYS[2], ARGV[2])
		return {1, current}
	end
	return {0, current}
`)

// NewHotPath connects to Redis and prepares the compare-and-set script.
func NewHotPath(addr, password string, db int) (*HotPath, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &HotPath{client: rdb, bidScript: casScript}, nil
}

func bidKeys(auctionID string) []string {
	return []string{
		fmt.Sprintf("auction:%s:current_bid", auctionID),
		fmt.Sprintf("auction:%s:current_bidder", auctionID),
	}
}

// Place attempts the atomic compare-and-set. Reports whether the amount
// became the new cached price.
func (h *HotPath) Place(ctx context.Context, auctionID, bidder string, amount decimal.Decimal) (bool, error) {
	result, err := h.bidScript.Run(ctx, h.client, bidKeys(auctionID), amount.String(), bidder).Result()
	if err != nil {
		return false, fmt.Errorf("failed to execute bid script: %w", err)
	}
	arr, ok := result.([]interface{})
	if !ok || len(arr) != 2 {
		return false, fmt.Errorf("unexpected script result format")
	}
	advanced, ok := arr[0].(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result format")
	}
	return advanced == 1, nil
}

// CurrentBid returns the cached current bid. ok is false when no bid has
// been cached for the auction yet.
func (h *HotPath) CurrentBid(ctx context.Context, auctionID string) (decimal.Decimal, bool, error) {
	val, err := h.client.Get(ctx, bidKeys(auctionID)[0]).Result()
	if err == redis.Nil {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to get current bid: %w", err)
	}
	current, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to parse cached bid %q: %w", val, err)
	}
	return current, true, nil
}

// Close closes the Redis connection.
func (h *HotPath) Close() error {
	return h.client.Close()
}
