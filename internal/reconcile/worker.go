// Package reconcile projects observed ledger events into the off-chain
// record. The ledger is the eventual source of truth: projections are
// idempotent, deduplicated by (event type, tx hash, log index), and
// deferred with backoff when they arrive before the state they depend on.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
)

const (
	streamName   = "LEDGER_EVENTS"
	consumerName = "auction-coordinator"
	subjectAll   = "ledger.events.>"
)

// Applier is the projection entry point. The coordinator implements it with
// the same code path its direct API operations use.
type Applier interface {
	ApplyEvent(ctx context.Context, ev models.LedgerEvent) error
}

// Deduper is the processed-event log shared with the store.
type Deduper interface {
	SeenEvent(ctx context.Context, eventType, txHash string, logIndex uint64) (bool, error)
	MarkEventProcessed(ctx context.Context, eventType, txHash string, logIndex uint64) error
}

// outcome tells the consumer loop what to do with the delivery.
type outcome int

const (
	outcomeAck outcome = iota
	outcomeRetry
	outcomeDrop
)

// Worker consumes the ledger event stream and applies each event exactly
// once through the coordinator.
type Worker struct {
	applier Applier
	dedup   Deduper
	backoff time.Duration
	logger  *slog.Logger

	consumeCtx jetstream.ConsumeContext
}

// NewWorker creates a reconciliation worker. backoff is the redelivery
// delay for deferred events.
func NewWorker(applier Applier, dedup Deduper, backoff time.Duration, logger *slog.Logger) *Worker {
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		applier: applier,
		dedup:   dedup,
		backoff: backoff,
		logger:  logger,
	}
}

// Start provisions the stream and durable consumer and begins consuming.
func (w *Worker) Start(ctx context.Context, nc *nats.Conn) error {
	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(setupCtx, jetstream.StreamConfig{
		Name:        streamName,
		Description: "Ledger events awaiting off-chain reconciliation",
		Subjects:    []string{subjectAll},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      72 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create/update stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(setupCtx, jetstream.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: subjectAll,
		MaxDeliver:    -1,
	})
	if err != nil {
		return fmt.Errorf("failed to create/update consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		w.handleDelivery(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	w.consumeCtx = cc

	w.logger.Info("reconciliation worker started", "stream", streamName, "consumer", consumerName)
	return nil
}

// Stop drains the consumer.
func (w *Worker) Stop() {
	if w.consumeCtx != nil {
		w.consumeCtx.Stop()
	}
}

func (w *Worker) handleDelivery(ctx context.Context, msg jetstream.Msg) {
	switch w.Handle(ctx, msg.Data()) {
	case outcomeAck:
		if err := msg.Ack(); err != nil {
			w.logger.Warn("failed to ack event", "error", err)
		}
	case outcomeRetry:
		if err := msg.NakWithDelay(w.backoff); err != nil {
			w.logger.Warn("failed to nak event", "error", err)
		}
	case outcomeDrop:
		if err := msg.Term(); err != nil {
			w.logger.Warn("failed to terminate event", "error", err)
		}
	}
}

// Handle processes one raw event payload and decides the delivery outcome.
// Factored out of the NATS plumbing so projection behavior is testable
// without a broker.
func (w *Worker) Handle(ctx context.Context, data []byte) outcome {
	var ev models.LedgerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		w.logger.Error("failed to decode ledger event, dropping", "error", err)
		return outcomeDrop
	}
	if ev.Type == "" || ev.TxHash == "" {
		w.logger.Error("ledger event missing type or tx hash, dropping", "auction_id", ev.AuctionID)
		return outcomeDrop
	}

	seen, err := w.dedup.SeenEvent(ctx, ev.Type, ev.TxHash, ev.LogIndex)
	if err != nil {
		w.logger.Warn("failed to check event dedup, retrying", "error", err)
		return outcomeRetry
	}
	if seen {
		return outcomeAck
	}

	err = w.applier.ApplyEvent(ctx, ev)
	switch {
	case err == nil:
		// fallthrough to mark processed
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrEventOutOfOrder):
		// The event arrived before the state it depends on; redeliver
		// after a delay instead of dropping it.
		w.logger.Info("deferring out-of-order event",
			"event_type", ev.Type, "auction_id", ev.AuctionID, "tx_hash", ev.TxHash)
		return outcomeRetry
	case models.IsReconciliationConflict(err):
		// Recorded for manual review by the coordinator; the delivery
		// itself is done.
		if markErr := w.dedup.MarkEventProcessed(ctx, ev.Type, ev.TxHash, ev.LogIndex); markErr != nil {
			w.logger.Warn("failed to mark conflicted event processed", "error", markErr)
		}
		return outcomeAck
	default:
		w.logger.Error("failed to project ledger event, retrying",
			"event_type", ev.Type, "auction_id", ev.AuctionID, "tx_hash", ev.TxHash, "error", err)
		return outcomeRetry
	}

	if err := w.dedup.MarkEventProcessed(ctx, ev.Type, ev.TxHash, ev.LogIndex); err != nil {
		// The projection itself is idempotent; worst case the event is
		// reapplied as a no-op on redelivery.
		w.logger.Warn("failed to mark event processed", "error", err)
	}

	w.logger.Debug("ledger event projected",
		"event_type", ev.Type, "auction_id", ev.AuctionID, "tx_hash", ev.TxHash)
	return outcomeAck
}
