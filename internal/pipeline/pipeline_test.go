package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/nuetzliches/eventrelay/internal/queue"
	"github.com/nuetzliches/eventrelay/internal/relay"
)

type deliverCall struct {
	events []relay.Event
	apiKey string
}

type fakeDeliverer struct {
	mu      sync.Mutex
	outcome relay.Outcome
	status  int
	calls   []deliverCall
}

func (f *fakeDeliverer) Deliver(_ context.Context, events []relay.Event, apiKey string) relay.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, deliverCall{events: append([]relay.Event(nil), events...), apiKey: apiKey})
	res := relay.Result{Outcome: f.outcome, StatusCode: f.status}
	if f.outcome == relay.OutcomeUnreachable {
		res.Err = fmt.Errorf("dial tcp: connection refused")
	}
	return res
}

func (f *fakeDeliverer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestPipeline(outcome relay.Outcome, status int) (*Pipeline, *queue.MemoryStore, *fakeDeliverer) {
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	store := queue.NewMemoryStore(queue.WithNowFunc(func() time.Time { return now }))
	deliverer := &fakeDeliverer{outcome: outcome, status: status}
	p := &Pipeline{
		Store:     store,
		Deliverer: deliverer,
		Logger:    discardLogger(),
	}
	return p, store, deliverer
}

func events(n int) []relay.Event {
	out := make([]relay.Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, relay.Event{
			Event:      fmt.Sprintf("evt_%d", i),
			Properties: map[string]any{"i": i},
		})
	}
	return out
}

func storeTotal(t *testing.T, store queue.Store) int {
	t.Helper()
	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	return stats.Total
}

func TestSubmitBatch_SuccessReportsSent(t *testing.T) {
	p, store, _ := newTestPipeline(relay.OutcomeSuccess, http.StatusOK)

	res, err := p.SubmitBatch(context.Background(), events(4), "phc_key")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Sent != 4 || res.Queued != 0 {
		t.Fatalf("result=%+v, want {Sent:4 Queued:0}", res)
	}
	if n := storeTotal(t, store); n != 0 {
		t.Fatalf("queue size=%d, want 0", n)
	}
}

func TestSubmitBatch_SuccessDrainsBacklog(t *testing.T) {
	p, store, deliverer := newTestPipeline(relay.OutcomeSuccess, http.StatusOK)

	if _, err := store.Enqueue([][]byte{[]byte(`{"event":"stale"}`)}); err != nil {
		t.Fatalf("seed backlog: %v", err)
	}

	res, err := p.SubmitBatch(context.Background(), events(2), "phc_key")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Sent != 2 {
		t.Fatalf("sent=%d, want 2", res.Sent)
	}
	if n := storeTotal(t, store); n != 0 {
		t.Fatalf("backlog size=%d after success, want 0", n)
	}
	// One call for the live batch, one flush pass for the backlog.
	if got := deliverer.callCount(); got != 2 {
		t.Fatalf("deliver calls=%d, want 2", got)
	}
	deliverer.mu.Lock()
	flushCall := deliverer.calls[1]
	deliverer.mu.Unlock()
	if flushCall.apiKey != "phc_key" {
		t.Fatalf("flush api key=%q, want phc_key", flushCall.apiKey)
	}
	if len(flushCall.events) != 1 || flushCall.events[0].Event != "stale" {
		t.Fatalf("flush events=%v, want the stale backlog event", flushCall.events)
	}
}

func TestSubmitBatch_RejectionQueues(t *testing.T) {
	p, store, _ := newTestPipeline(relay.OutcomeRejected, http.StatusBadGateway)

	res, err := p.SubmitBatch(context.Background(), events(3), "phc_key")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Sent != 0 || res.Queued != 3 {
		t.Fatalf("result=%+v, want {Sent:0 Queued:3}", res)
	}
	if n := storeTotal(t, store); n != 3 {
		t.Fatalf("queue size=%d, want 3", n)
	}
}

func TestSubmitBatch_UnreachableQueues(t *testing.T) {
	p, store, _ := newTestPipeline(relay.OutcomeUnreachable, 0)

	res, err := p.SubmitBatch(context.Background(), events(2), "phc_key")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Sent != 0 || res.Queued != 2 {
		t.Fatalf("result=%+v, want {Sent:0 Queued:2}", res)
	}
	if n := storeTotal(t, store); n != 2 {
		t.Fatalf("queue size=%d, want 2", n)
	}
}

func TestSubmitBatch_NotConfigured(t *testing.T) {
	p := &Pipeline{Logger: discardLogger()}
	if _, err := p.SubmitBatch(context.Background(), events(1), "k"); err == nil {
		t.Fatalf("expected error for unconfigured pipeline")
	}
}

func TestFlush_SuccessDeletesSelected(t *testing.T) {
	p, store, _ := newTestPipeline(relay.OutcomeSuccess, http.StatusOK)

	if queued := p.enqueue(events(3)); queued != 3 {
		t.Fatalf("queued=%d, want 3", queued)
	}
	if n := storeTotal(t, store); n != 3 {
		t.Fatalf("queue size=%d, want 3", n)
	}

	p.Flush(context.Background(), "phc_key")
	if n := storeTotal(t, store); n != 0 {
		t.Fatalf("queue size=%d after flush, want 0", n)
	}
}

func TestFlush_FailurePurgesAtCeiling(t *testing.T) {
	p, store, deliverer := newTestPipeline(relay.OutcomeUnreachable, 0)

	purgedTotal := 0
	p.ObserveFlush = func(_ relay.Outcome, _ int, purged int) { purgedTotal += purged }

	if queued := p.enqueue(events(1)); queued != 1 {
		t.Fatalf("queued=%d, want 1", queued)
	}

	for i := 1; i <= queue.DefaultMaxRetryCount; i++ {
		p.Flush(context.Background(), "phc_key")

		want := 1
		if i == queue.DefaultMaxRetryCount {
			want = 0
		}
		if n := storeTotal(t, store); n != want {
			t.Fatalf("after pass %d queue size=%d, want %d", i, n, want)
		}
	}

	if deliverer.callCount() != queue.DefaultMaxRetryCount {
		t.Fatalf("deliver calls=%d, want %d", deliverer.callCount(), queue.DefaultMaxRetryCount)
	}
	if purgedTotal != 1 {
		t.Fatalf("purged=%d, want 1", purgedTotal)
	}

	// The row is gone; another pass is a pure no-op.
	p.Flush(context.Background(), "phc_key")
	if deliverer.callCount() != queue.DefaultMaxRetryCount {
		t.Fatalf("deliver called on empty queue")
	}
}

func TestFlush_NoCredentialLeavesRowsUntouched(t *testing.T) {
	p, store, deliverer := newTestPipeline(relay.OutcomeSuccess, http.StatusOK)

	if queued := p.enqueue(events(2)); queued != 2 {
		t.Fatalf("queued=%d, want 2", queued)
	}

	p.Flush(context.Background(), "")
	if deliverer.callCount() != 0 {
		t.Fatalf("deliver called without credential")
	}
	rows, err := store.SelectEligible(50)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d, want 2", len(rows))
	}
	for _, row := range rows {
		if row.RetryCount != 0 {
			t.Fatalf("retry_count=%d after credential-less flush, want 0", row.RetryCount)
		}
	}
}

func TestFlush_EmptyQueueIsNoOp(t *testing.T) {
	p, _, deliverer := newTestPipeline(relay.OutcomeSuccess, http.StatusOK)

	p.Flush(context.Background(), "phc_key")
	if deliverer.callCount() != 0 {
		t.Fatalf("deliver called on empty queue")
	}
}

func TestFlush_CorruptRowsSkippedButAged(t *testing.T) {
	p, store, deliverer := newTestPipeline(relay.OutcomeRejected, http.StatusServiceUnavailable)

	corruptSeen := 0
	p.ObserveCorruptRows = func(n int) { corruptSeen += n }

	if _, err := store.Enqueue([][]byte{
		[]byte(`{"event":"good","properties":{}}`),
		[]byte(`{not json`),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	p.Flush(context.Background(), "phc_key")

	if corruptSeen != 1 {
		t.Fatalf("corrupt rows observed=%d, want 1", corruptSeen)
	}
	deliverer.mu.Lock()
	attempted := deliverer.calls[0].events
	deliverer.mu.Unlock()
	if len(attempted) != 1 || attempted[0].Event != "good" {
		t.Fatalf("attempted events=%v, want only the good row", attempted)
	}

	// Retry accounting covers the full selected set, corrupt row included.
	rows, err := store.SelectEligible(50)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d, want 2", len(rows))
	}
	for _, row := range rows {
		if row.RetryCount != 1 {
			t.Fatalf("row %d retry_count=%d, want 1", row.ID, row.RetryCount)
		}
	}
}

func TestFlush_SuccessDeletesCorruptRowsToo(t *testing.T) {
	p, store, _ := newTestPipeline(relay.OutcomeSuccess, http.StatusOK)

	if _, err := store.Enqueue([][]byte{
		[]byte(`{"event":"good","properties":{}}`),
		[]byte(`{not json`),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	p.Flush(context.Background(), "phc_key")
	if n := storeTotal(t, store); n != 0 {
		t.Fatalf("queue size=%d, want 0 (selected set deleted whole)", n)
	}
}

func TestFlush_AllCorruptLeavesRowsForAging(t *testing.T) {
	p, store, deliverer := newTestPipeline(relay.OutcomeSuccess, http.StatusOK)

	if _, err := store.Enqueue([][]byte{[]byte(`{bad`), []byte(`also bad`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	p.Flush(context.Background(), "phc_key")
	if deliverer.callCount() != 0 {
		t.Fatalf("deliver called with zero decodable events")
	}
	if n := storeTotal(t, store); n != 2 {
		t.Fatalf("queue size=%d, want 2", n)
	}
}

func TestOnStartup_EmptyQueueNoSideEffects(t *testing.T) {
	p, store, deliverer := newTestPipeline(relay.OutcomeSuccess, http.StatusOK)

	p.OnStartup(context.Background())
	if deliverer.callCount() != 0 {
		t.Fatalf("deliver called during startup recovery")
	}
	if n := storeTotal(t, store); n != 0 {
		t.Fatalf("queue size=%d, want 0", n)
	}
}

func TestOnStartup_BacklogUntouchedWithoutCredential(t *testing.T) {
	p, store, deliverer := newTestPipeline(relay.OutcomeSuccess, http.StatusOK)

	if _, err := store.Enqueue([][]byte{[]byte(`{"event":"old"}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	p.OnStartup(context.Background())
	if deliverer.callCount() != 0 {
		t.Fatalf("deliver called during startup recovery")
	}
	rows, err := store.SelectEligible(50)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 || rows[0].RetryCount != 0 {
		t.Fatalf("rows=%v, want one untouched row", rows)
	}
}

func TestFlush_ConcurrentPassesAreSafe(t *testing.T) {
	p, store, _ := newTestPipeline(relay.OutcomeSuccess, http.StatusOK)

	if queued := p.enqueue(events(10)); queued != 10 {
		t.Fatalf("queued=%d, want 10", queued)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Flush(context.Background(), "phc_key")
		}()
	}
	wg.Wait()

	if n := storeTotal(t, store); n != 0 {
		t.Fatalf("queue size=%d after concurrent flushes, want 0", n)
	}
}

func TestSubmitBatch_SerializeFailureDropsEvent(t *testing.T) {
	p, store, _ := newTestPipeline(relay.OutcomeUnreachable, 0)

	dropped := 0
	p.ObserveDroppedEvents = func(n int) { dropped += n }

	batch := []relay.Event{
		{Event: "ok", Properties: map[string]any{"n": 1}},
		{Event: "bad", Properties: map[string]any{"fn": func() {}}}, // not JSON-encodable
	}
	res, err := p.SubmitBatch(context.Background(), batch, "phc_key")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Queued != 1 {
		t.Fatalf("queued=%d, want 1 (bad event dropped)", res.Queued)
	}
	if dropped != 1 {
		t.Fatalf("dropped=%d, want 1", dropped)
	}
	if n := storeTotal(t, store); n != 1 {
		t.Fatalf("queue size=%d, want 1", n)
	}
}
