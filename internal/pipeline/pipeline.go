// Package pipeline coordinates telemetry delivery: immediate send on
// submit, durable queue fallback, and bounded-retry flush passes.
//
// Nothing here propagates delivery or storage failures to the caller.
// Every failure is absorbed into a log line or a result count; telemetry
// must never degrade the host application.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nuetzliches/eventrelay/internal/queue"
	"github.com/nuetzliches/eventrelay/internal/relay"
)

// errStateUnavailable indicates a wiring bug in the host, not a delivery
// failure: the pipeline was invoked without a store or deliverer.
var errStateUnavailable = errors.New("pipeline: store or deliverer not configured")

// DefaultFlushBatchSize bounds how many queued rows one flush pass drains.
const DefaultFlushBatchSize = 50

// BatchResult reports what happened to one submitted batch.
type BatchResult struct {
	Sent   int `json:"sent"`
	Queued int `json:"queued"`
}

// Pipeline is constructed once at process start and passed to every entry
// point; there is no package-level state.
type Pipeline struct {
	Store          queue.Store
	Deliverer      relay.Deliverer
	Logger         *slog.Logger
	FlushBatchSize int

	// Observe hooks feed runtime metrics; all are optional.
	ObserveSubmit        func(sent, queued int)
	ObserveFlush         func(outcome relay.Outcome, selected, purged int)
	ObserveDroppedEvents func(n int)
	ObserveCorruptRows   func(n int)
}

// SubmitBatch attempts immediate delivery, queues the batch on failure, and
// opportunistically drains backlog on success. Delivery and queueing
// failures surface only through the result counts; the error return fires
// solely when the pipeline itself is not wired.
func (p *Pipeline) SubmitBatch(ctx context.Context, events []relay.Event, apiKey string) (BatchResult, error) {
	if p == nil || p.Store == nil || p.Deliverer == nil {
		return BatchResult{}, errStateUnavailable
	}
	logger := p.logger()

	res := p.Deliverer.Deliver(ctx, events, apiKey)
	if res.Outcome == relay.OutcomeSuccess {
		// Backlog may have accumulated while offline; drain one slice now.
		p.Flush(ctx, apiKey)
		out := BatchResult{Sent: len(events)}
		p.observeSubmit(out)
		return out, nil
	}

	logger.Warn("submit_delivery_failed",
		slog.String("outcome", string(res.Outcome)),
		slog.Int("status", res.StatusCode),
		slog.Int("events", len(events)),
		slog.Any("err", res.Err),
	)

	out := BatchResult{Queued: p.enqueue(events)}
	p.observeSubmit(out)
	return out, nil
}

// Flush runs one bounded delivery pass over the queue. An empty apiKey
// short-circuits before any network contact and leaves rows untouched.
func (p *Pipeline) Flush(ctx context.Context, apiKey string) {
	if p == nil || p.Store == nil || p.Deliverer == nil {
		return
	}
	logger := p.logger()

	limit := p.FlushBatchSize
	if limit <= 0 {
		limit = DefaultFlushBatchSize
	}

	rows, err := p.Store.SelectEligible(limit)
	if err != nil {
		logger.Error("flush_select_failed", slog.Any("err", err))
		return
	}
	if len(rows) == 0 {
		return
	}
	if apiKey == "" {
		return
	}

	ids := make([]int64, 0, len(rows))
	events := make([]relay.Event, 0, len(rows))
	corrupt := 0
	for _, row := range rows {
		ids = append(ids, row.ID)
		var ev relay.Event
		if err := json.Unmarshal(row.Payload, &ev); err != nil {
			corrupt++
			continue
		}
		events = append(events, ev)
	}
	if corrupt > 0 {
		// Corrupt rows are excluded from the attempt but stay in the
		// selected id set, so retry accounting still ages them out.
		logger.Warn("flush_corrupt_rows_skipped", slog.Int("rows", corrupt))
		if p.ObserveCorruptRows != nil {
			p.ObserveCorruptRows(corrupt)
		}
	}
	if len(events) == 0 {
		return
	}

	res := p.Deliverer.Deliver(ctx, events, apiKey)
	if res.Outcome == relay.OutcomeSuccess {
		if err := p.Store.Delete(ids); err != nil {
			logger.Error("flush_delete_failed", slog.Int("rows", len(ids)), slog.Any("err", err))
		}
		logger.Debug("flush_delivered", slog.Int("rows", len(ids)))
		if p.ObserveFlush != nil {
			p.ObserveFlush(res.Outcome, len(ids), 0)
		}
		return
	}

	logger.Warn("flush_delivery_failed",
		slog.String("outcome", string(res.Outcome)),
		slog.Int("status", res.StatusCode),
		slog.Int("rows", len(ids)),
		slog.Any("err", res.Err),
	)
	if err := p.Store.IncrementRetry(ids); err != nil {
		logger.Error("flush_increment_retry_failed", slog.Any("err", err))
	}
	purged, err := p.Store.PurgeExhausted(ids)
	if err != nil {
		logger.Error("flush_purge_failed", slog.Any("err", err))
	}
	if purged > 0 {
		logger.Warn("flush_rows_purged", slog.Int("rows", purged))
	}
	if p.ObserveFlush != nil {
		p.ObserveFlush(res.Outcome, len(ids), purged)
	}
}

// OnStartup runs a single best-effort flush pass during process
// initialization. No credential is available yet, so the pass short-circuits
// before the network; the backlog drains on the next live batch. Errors are
// logged, never propagated; startup must not block on telemetry.
func (p *Pipeline) OnStartup(ctx context.Context) {
	if p == nil || p.Store == nil {
		return
	}
	p.logger().Debug("startup_flush")
	p.Flush(ctx, "")
}

// enqueue serializes each event independently; one bad event is logged and
// dropped without failing the batch. Returns rows actually persisted.
func (p *Pipeline) enqueue(events []relay.Event) int {
	logger := p.logger()

	payloads := make([][]byte, 0, len(events))
	dropped := 0
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			dropped++
			logger.Error("enqueue_serialize_failed",
				slog.String("event", ev.Event),
				slog.Any("err", err),
			)
			continue
		}
		payloads = append(payloads, b)
	}
	if dropped > 0 && p.ObserveDroppedEvents != nil {
		p.ObserveDroppedEvents(dropped)
	}
	if len(payloads) == 0 {
		return 0
	}

	n, err := p.Store.Enqueue(payloads)
	if err != nil {
		logger.Error("enqueue_store_failed", slog.Int("events", len(payloads)), slog.Any("err", err))
		return 0
	}
	logger.Debug("events_queued", slog.Int("rows", n))
	return n
}

func (p *Pipeline) observeSubmit(out BatchResult) {
	if p.ObserveSubmit != nil {
		p.ObserveSubmit(out.Sent, out.Queued)
	}
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
