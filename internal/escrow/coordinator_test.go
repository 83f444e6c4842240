package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/store"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestCoordinator(st *store.Memory) *Coordinator {
	c := NewCoordinator(st, time.Hour, 250, nil)
	c.SetClock(func() time.Time { return testNow })
	return c
}

func endedAuction() *models.Auction {
	return &models.Auction{
		ID:             "1",
		FarmerIdentity: "farmer-1",
		Currency:       "USD",
		Status:         models.AuctionStatusEnded,
		CurrentBid:     decimal.NewFromInt(1000),
		CurrentBidder:  "buyer-1",
		EndTime:        testNow.Add(-time.Minute),
	}
}

func TestLock(t *testing.T) {
	st := store.NewMemory()
	c := newTestCoordinator(st)
	ctx := context.Background()

	t.Run("auction must be ended", func(t *testing.T) {
		a := endedAuction()
		a.Status = models.AuctionStatusActive
		_, err := c.Lock(ctx, a, "buyer-1", decimal.NewFromInt(1000), "0xdep")
		check.True(t, models.IsInvalidTransition(err))
	})

	t.Run("no winner", func(t *testing.T) {
		a := endedAuction()
		a.CurrentBidder = ""
		_, err := c.Lock(ctx, a, "buyer-1", decimal.NewFromInt(1000), "0xdep")
		check.True(t, models.IsValidation(err))
	})

	t.Run("wrong depositor", func(t *testing.T) {
		_, err := c.Lock(ctx, endedAuction(), "buyer-2", decimal.NewFromInt(1000), "0xdep")
		check.True(t, models.IsValidation(err))
	})

	t.Run("wrong amount", func(t *testing.T) {
		_, err := c.Lock(ctx, endedAuction(), "buyer-1", decimal.NewFromInt(999), "0xdep")
		check.True(t, models.IsValidation(err))
	})

	t.Run("lock then double lock", func(t *testing.T) {
		deposit, err := c.Lock(ctx, endedAuction(), "buyer-1", decimal.NewFromInt(1000), "0xdep")
		assert.NoError(t, err)
		check.Equal(t, models.EscrowStatusLocked, deposit.Status)
		check.Equal(t, "buyer-1", deposit.DepositorIdentity)

		_, err = c.Lock(ctx, endedAuction(), "buyer-1", decimal.NewFromInt(1000), "0xdep2")
		check.True(t, models.IsInvalidTransition(err))
	})
}

func TestReleaseComputesSettlement(t *testing.T) {
	st := store.NewMemory()
	c := newTestCoordinator(st)
	ctx := context.Background()
	a := endedAuction()

	_, err := c.Lock(ctx, a, "buyer-1", decimal.NewFromInt(1000), "0xdep")
	assert.NoError(t, err)

	settlement, err := c.Release(ctx, a, true, true, "0xsettle")
	assert.NoError(t, err)
	check.Equal(t, models.SettlementStatusCompleted, settlement.Status)
	check.Equal(t, "farmer-1", settlement.FarmerIdentity)
	check.Equal(t, "buyer-1", settlement.BuyerIdentity)
	check.True(t, settlement.FinalAmount.Equal(decimal.NewFromInt(1000)))
	check.True(t, settlement.PlatformFee.Equal(decimal.NewFromInt(25)))
	check.True(t, settlement.FarmerPayout.Equal(decimal.NewFromInt(975)))

	deposit, err := st.GetEscrowDeposit(ctx, a.ID)
	assert.NoError(t, err)
	check.Equal(t, models.EscrowStatusReleased, deposit.Status)
	check.True(t, deposit.ShipmentConfirmed)
	check.Equal(t, "0xsettle", deposit.TxRef)
	check.True(t, deposit.ReleasedAt != nil)
}

func TestReleaseRequiresBothConfirmations(t *testing.T) {
	st := store.NewMemory()
	c := newTestCoordinator(st)
	ctx := context.Background()
	a := endedAuction()

	_, err := c.Lock(ctx, a, "buyer-1", decimal.NewFromInt(1000), "0xdep")
	assert.NoError(t, err)

	_, err = c.Release(ctx, a, false, true, "")
	check.True(t, models.IsValidation(err))
	_, err = c.Release(ctx, a, true, false, "")
	check.True(t, models.IsValidation(err))
}

func TestReleaseWithoutDeposit(t *testing.T) {
	c := newTestCoordinator(store.NewMemory())
	_, err := c.Release(context.Background(), endedAuction(), true, true, "")
	check.True(t, models.IsInvalidTransition(err))
}

func TestRefund(t *testing.T) {
	st := store.NewMemory()
	c := newTestCoordinator(st)
	ctx := context.Background()
	a := endedAuction()

	_, err := c.Refund(ctx, a.ID, "")
	check.True(t, errors.Is(err, models.ErrNotFound))

	_, err = c.Lock(ctx, a, "buyer-1", decimal.NewFromInt(1000), "0xdep")
	assert.NoError(t, err)

	deposit, err := c.Refund(ctx, a.ID, "0xrefund")
	assert.NoError(t, err)
	check.Equal(t, models.EscrowStatusRefunded, deposit.Status)
	check.Equal(t, "0xrefund", deposit.TxRef)

	// A refunded deposit cannot be refunded again.
	_, err = c.Refund(ctx, a.ID, "")
	check.True(t, models.IsValidation(err))
}

func TestReleasedDepositCannotBeReleasedAgain(t *testing.T) {
	st := store.NewMemory()
	c := newTestCoordinator(st)
	ctx := context.Background()
	a := endedAuction()

	_, err := c.Lock(ctx, a, "buyer-1", decimal.NewFromInt(1000), "0xdep")
	assert.NoError(t, err)
	_, err = c.Release(ctx, a, true, true, "")
	assert.NoError(t, err)

	_, err = c.Release(ctx, a, true, true, "")
	check.True(t, models.IsValidation(err))
}

func TestIsExpired(t *testing.T) {
	st := store.NewMemory()
	c := newTestCoordinator(st)
	ctx := context.Background()

	t.Run("not ended", func(t *testing.T) {
		a := endedAuction()
		a.Status = models.AuctionStatusActive
		expired, err := c.IsExpired(ctx, a)
		assert.NoError(t, err)
		check.False(t, expired)
	})

	t.Run("no winner", func(t *testing.T) {
		a := endedAuction()
		a.CurrentBidder = ""
		expired, err := c.IsExpired(ctx, a)
		assert.NoError(t, err)
		check.False(t, expired)
	})

	t.Run("within window", func(t *testing.T) {
		expired, err := c.IsExpired(ctx, endedAuction())
		assert.NoError(t, err)
		check.False(t, expired)
	})

	t.Run("window lapsed without deposit", func(t *testing.T) {
		a := endedAuction()
		a.EndTime = testNow.Add(-2 * time.Hour)
		expired, err := c.IsExpired(ctx, a)
		assert.NoError(t, err)
		check.True(t, expired)
	})

	t.Run("deposit present", func(t *testing.T) {
		a := endedAuction()
		a.ID = "2"
		a.EndTime = testNow.Add(-2 * time.Hour)
		_, err := c.Lock(ctx, a, "buyer-1", decimal.NewFromInt(1000), "0xdep")
		assert.NoError(t, err)
		expired, err := c.IsExpired(ctx, a)
		assert.NoError(t, err)
		check.False(t, expired)
	})
}

func TestFeeRounding(t *testing.T) {
	c := newTestCoordinator(store.NewMemory())
	a := endedAuction()
	a.CurrentBid = decimal.NewFromFloat(333.33)

	s := c.PendingSettlement(a)
	check.True(t, s.PlatformFee.Equal(decimal.NewFromFloat(8.333250)))
	check.True(t, s.FarmerPayout.Add(s.PlatformFee).Equal(s.FinalAmount))
}
