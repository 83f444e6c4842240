package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/store"
)

type fakeApplier struct {
	err     error
	applied []models.LedgerEvent
}

func (f *fakeApplier) ApplyEvent(_ context.Context, ev models.LedgerEvent) error {
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, ev)
	return nil
}

func newTestWorker(applier *fakeApplier, dedup Deduper) *Worker {
	return NewWorker(applier, dedup, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func eventBytes(t *testing.T, ev models.LedgerEvent) []byte {
	t.Helper()
	data, err := json.Marshal(ev)
	assert.NoError(t, err)
	return data
}

func testEvent() models.LedgerEvent {
	return models.LedgerEvent{
		Type:      models.EventBidPlaced,
		AuctionID: "1",
		TxHash:    "0xbid",
		LogIndex:  2,
		Timestamp: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestHandleProjectsAndMarks(t *testing.T) {
	applier := &fakeApplier{}
	st := store.NewMemory()
	w := newTestWorker(applier, st)
	ctx := context.Background()

	got := w.Handle(ctx, eventBytes(t, testEvent()))
	check.Equal(t, outcomeAck, got)
	check.Equal(t, 1, len(applier.applied))

	seen, err := st.SeenEvent(ctx, models.EventBidPlaced, "0xbid", 2)
	assert.NoError(t, err)
	check.True(t, seen)
}

func TestHandleDeduplicatesRedelivery(t *testing.T) {
	applier := &fakeApplier{}
	st := store.NewMemory()
	w := newTestWorker(applier, st)
	ctx := context.Background()

	data := eventBytes(t, testEvent())
	check.Equal(t, outcomeAck, w.Handle(ctx, data))
	check.Equal(t, outcomeAck, w.Handle(ctx, data))
	check.Equal(t, 1, len(applier.applied))
}

func TestHandleDistinguishesLogIndex(t *testing.T) {
	// Two events in the same transaction differ only by log index; both must
	// be applied.
	applier := &fakeApplier{}
	w := newTestWorker(applier, store.NewMemory())
	ctx := context.Background()

	first := testEvent()
	second := testEvent()
	second.LogIndex = 3

	check.Equal(t, outcomeAck, w.Handle(ctx, eventBytes(t, first)))
	check.Equal(t, outcomeAck, w.Handle(ctx, eventBytes(t, second)))
	check.Equal(t, 2, len(applier.applied))
}

func TestHandleDropsMalformedPayload(t *testing.T) {
	w := newTestWorker(&fakeApplier{}, store.NewMemory())

	check.Equal(t, outcomeDrop, w.Handle(context.Background(), []byte("not json")))
	check.Equal(t, outcomeDrop, w.Handle(context.Background(),
		eventBytes(t, models.LedgerEvent{AuctionID: "1"})))
}

func TestHandleDefersOutOfOrderEvents(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	for _, cause := range []error{models.ErrNotFound, models.ErrEventOutOfOrder} {
		w := newTestWorker(&fakeApplier{err: cause}, st)
		check.Equal(t, outcomeRetry, w.Handle(ctx, eventBytes(t, testEvent())))

		// Deferred events stay unmarked so the redelivery is processed.
		seen, err := st.SeenEvent(ctx, models.EventBidPlaced, "0xbid", 2)
		assert.NoError(t, err)
		check.False(t, seen)
	}
}

func TestHandleAcksConflicts(t *testing.T) {
	conflictErr := &models.ReconciliationConflictError{
		EventType: models.EventBidPlaced, AuctionID: "1", LocalStatus: models.AuctionStatusSettled,
	}
	st := store.NewMemory()
	w := newTestWorker(&fakeApplier{err: conflictErr}, st)
	ctx := context.Background()

	// The conflict is recorded by the applier; the delivery itself is done
	// and must not be redelivered forever.
	check.Equal(t, outcomeAck, w.Handle(ctx, eventBytes(t, testEvent())))

	seen, err := st.SeenEvent(ctx, models.EventBidPlaced, "0xbid", 2)
	assert.NoError(t, err)
	check.True(t, seen)
}

func TestHandleRetriesUnexpectedErrors(t *testing.T) {
	w := newTestWorker(&fakeApplier{err: errors.New("db down")}, store.NewMemory())
	check.Equal(t, outcomeRetry, w.Handle(context.Background(), eventBytes(t, testEvent())))
}
