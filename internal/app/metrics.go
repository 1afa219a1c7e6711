package app

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuetzliches/eventrelay/internal/queue"
	"github.com/nuetzliches/eventrelay/internal/relay"
)

type runtimeMetrics struct {
	tracingEnabled           atomic.Int64
	tracingInitFailuresTotal atomic.Int64
	tracingExportErrorsTotal atomic.Int64

	// Intake counters
	submitBatchesTotal atomic.Int64
	eventsSentTotal    atomic.Int64
	eventsQueuedTotal  atomic.Int64
	eventsDroppedTotal atomic.Int64

	// Flush counters
	flushSuccessTotal     atomic.Int64
	flushRejectedTotal    atomic.Int64
	flushUnreachableTotal atomic.Int64
	flushRowsTotal        atomic.Int64
	purgedRowsTotal       atomic.Int64
	corruptRowsTotal      atomic.Int64

	// Queue store for on-scrape depth; stats are cached briefly so a
	// scrape storm cannot hammer the store.
	queueStore queue.Store
	queueStats struct {
		mu       sync.Mutex
		ttl      time.Duration
		cached   queue.Stats
		cachedAt time.Time
		cachedOK bool
	}
	now func() time.Time
}

func newRuntimeMetrics() *runtimeMetrics {
	m := &runtimeMetrics{now: time.Now}
	m.queueStats.ttl = time.Second
	return m
}

func (m *runtimeMetrics) setTracingEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.tracingEnabled.Store(1)
		return
	}
	m.tracingEnabled.Store(0)
}

func (m *runtimeMetrics) incTracingInitFailures() {
	if m == nil {
		return
	}
	m.tracingInitFailuresTotal.Add(1)
}

func (m *runtimeMetrics) incTracingExportErrors() {
	if m == nil {
		return
	}
	m.tracingExportErrorsTotal.Add(1)
}

func (m *runtimeMetrics) observeSubmit(sent, queued int) {
	if m == nil {
		return
	}
	m.submitBatchesTotal.Add(1)
	if sent > 0 {
		m.eventsSentTotal.Add(int64(sent))
	}
	if queued > 0 {
		m.eventsQueuedTotal.Add(int64(queued))
	}
}

func (m *runtimeMetrics) observeFlush(outcome relay.Outcome, selected, purged int) {
	if m == nil {
		return
	}
	switch outcome {
	case relay.OutcomeSuccess:
		m.flushSuccessTotal.Add(1)
	case relay.OutcomeRejected:
		m.flushRejectedTotal.Add(1)
	case relay.OutcomeUnreachable:
		m.flushUnreachableTotal.Add(1)
	}
	if selected > 0 {
		m.flushRowsTotal.Add(int64(selected))
	}
	if purged > 0 {
		m.purgedRowsTotal.Add(int64(purged))
	}
}

func (m *runtimeMetrics) observeDroppedEvents(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsDroppedTotal.Add(int64(n))
}

func (m *runtimeMetrics) observeCorruptRows(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.corruptRowsTotal.Add(int64(n))
}

func (m *runtimeMetrics) queueDepth() (queue.Stats, bool) {
	if m == nil || m.queueStore == nil {
		return queue.Stats{}, false
	}

	m.queueStats.mu.Lock()
	defer m.queueStats.mu.Unlock()

	now := m.now()
	if m.queueStats.cachedOK && now.Sub(m.queueStats.cachedAt) < m.queueStats.ttl {
		return m.queueStats.cached, true
	}

	stats, err := m.queueStore.Stats()
	if err != nil {
		return queue.Stats{}, false
	}
	m.queueStats.cached = stats
	m.queueStats.cachedAt = now
	m.queueStats.cachedOK = true
	return stats, true
}

func newMetricsHandler(version string, start time.Time, rm *runtimeMetrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		_, _ = fmt.Fprintf(w, "# HELP eventrelay_up Whether the eventrelay process is up.\n")
		_, _ = fmt.Fprintf(w, "# TYPE eventrelay_up gauge\n")
		_, _ = fmt.Fprintf(w, "eventrelay_up 1\n")
		_, _ = fmt.Fprintf(w, "# HELP eventrelay_build_info Build information.\n")
		_, _ = fmt.Fprintf(w, "# TYPE eventrelay_build_info gauge\n")
		_, _ = fmt.Fprintf(w, "eventrelay_build_info{version=%q} 1\n", version)
		_, _ = fmt.Fprintf(w, "# HELP eventrelay_start_time_seconds Start time since unix epoch.\n")
		_, _ = fmt.Fprintf(w, "# TYPE eventrelay_start_time_seconds gauge\n")
		_, _ = fmt.Fprintf(w, "eventrelay_start_time_seconds %d\n", start.Unix())

		tracingEnabled := int64(0)
		tracingInitFailures := int64(0)
		tracingExportErrors := int64(0)
		if rm != nil {
			tracingEnabled = rm.tracingEnabled.Load()
			tracingInitFailures = rm.tracingInitFailuresTotal.Load()
			tracingExportErrors = rm.tracingExportErrorsTotal.Load()
		}
		_, _ = fmt.Fprintf(w, "# HELP eventrelay_tracing_enabled Whether tracing is enabled.\n")
		_, _ = fmt.Fprintf(w, "# TYPE eventrelay_tracing_enabled gauge\n")
		_, _ = fmt.Fprintf(w, "eventrelay_tracing_enabled %d\n", tracingEnabled)
		_, _ = fmt.Fprintf(w, "# HELP eventrelay_tracing_init_failures_total Total number of tracing initialization failures.\n")
		_, _ = fmt.Fprintf(w, "# TYPE eventrelay_tracing_init_failures_total counter\n")
		_, _ = fmt.Fprintf(w, "eventrelay_tracing_init_failures_total %d\n", tracingInitFailures)
		_, _ = fmt.Fprintf(w, "# HELP eventrelay_tracing_export_errors_total Total number of tracing exporter errors reported by OpenTelemetry.\n")
		_, _ = fmt.Fprintf(w, "# TYPE eventrelay_tracing_export_errors_total counter\n")
		_, _ = fmt.Fprintf(w, "eventrelay_tracing_export_errors_total %d\n", tracingExportErrors)

		submitBatches := int64(0)
		eventsSent := int64(0)
		eventsQueued := int64(0)
		eventsDropped := int64(0)
		flushSuccess := int64(0)
		flushRejected := int64(0)
		flushUnreachable := int64(0)
		flushRows := int64(0)
		purgedRows := int64(0)
		corruptRows := int64(0)
		if rm != nil {
			submitBatches = rm.submitBatchesTotal.Load()
			eventsSent = rm.eventsSentTotal.Load()
			eventsQueued = rm.eventsQueuedTotal.Load()
			eventsDropped = rm.eventsDroppedTotal.Load()
			flushSuccess = rm.flushSuccessTotal.Load()
			flushRejected = rm.flushRejectedTotal.Load()
			flushUnreachable = rm.flushUnreachableTotal.Load()
			flushRows = rm.flushRowsTotal.Load()
			purgedRows = rm.purgedRowsTotal.Load()
			corruptRows = rm.corruptRowsTotal.Load()
		}
		_, _ = fmt.Fprintf(w, "# HELP eventrelay_submit_batches_total Total number of batches accepted on the intake endpoint.\n")
		_, _ = fmt.Fprintf(w, "# TYPE eventrelay_submit_batches_total counter\n")
		_, _ = fmt.Fprintf(w, "eventrelay_submit_batches_total %d\n", submitBatches)
		_, _ = fmt.Fprintf(w, "# HELP eventrelay_events_sent_total Total number of events delivered immediately on submit.\n")
		_, _ = fmt.Fprintf(w, "# TYPE eventrelay_events_sent_total counter\n")
		_, _ = fmt.Fprintf(w, "eventrelay_events_sent_total %d\n", eventsSent)
		_, _ = fmt.Fprintf(w, "# HELP eventrelay_events_queued_total Total number of events persisted to the local queue after failed delivery.\n")
		_, _ = fmt.Fprintf(w, "# TYPE eventrelay_events_queued_total counter\n")
		_, _ = fmt.Fprintf(w, "eventrelay_events_queued_total %d\n", eventsQueued)
		_, _ = fmt.Fprintf(w, "# HELP eventrelay_events_dropped_total Total number of events dropped because they could not be serialized.\n")
		_, _ = fmt.Fprintf(w, "# TYPE eventrelay_events_dropped_total counter\n")
		_, _ = fmt.Fprintf(w, "eventrelay_events_dropped_total %d\n", eventsDropped)
		_, _ = fmt.Fprintf(w, "# HELP eventrelay_flush_passes_total Total number of flush passes that reached the network, partitioned by outcome.\n")
		_, _ = fmt.Fprintf(w, "# TYPE eventrelay_flush_passes_total counter\n")
		_, _ = fmt.Fprintf(w, "eventrelay_flush_passes_total{outcome=\"success\"} %d\n", flushSuccess)
		_, _ = fmt.Fprintf(w, "eventrelay_flush_passes_total{outcome=\"rejected\"} %d\n", flushRejected)
		_, _ = fmt.Fprintf(w, "eventrelay_flush_passes_total{outcome=\"unreachable\"} %d\n", flushUnreachable)
		_, _ = fmt.Fprintf(w, "# HELP eventrelay_flush_rows_total Total number of queued rows selected into flush passes.\n")
		_, _ = fmt.Fprintf(w, "# TYPE eventrelay_flush_rows_total counter\n")
		_, _ = fmt.Fprintf(w, "eventrelay_flush_rows_total %d\n", flushRows)
		_, _ = fmt.Fprintf(w, "# HELP eventrelay_purged_rows_total Total number of queued rows dropped after exhausting retries.\n")
		_, _ = fmt.Fprintf(w, "# TYPE eventrelay_purged_rows_total counter\n")
		_, _ = fmt.Fprintf(w, "eventrelay_purged_rows_total %d\n", purgedRows)
		_, _ = fmt.Fprintf(w, "# HELP eventrelay_corrupt_rows_total Total number of queued rows skipped because their payload failed to decode.\n")
		_, _ = fmt.Fprintf(w, "# TYPE eventrelay_corrupt_rows_total counter\n")
		_, _ = fmt.Fprintf(w, "eventrelay_corrupt_rows_total %d\n", corruptRows)

		if stats, ok := rm.queueDepth(); ok {
			_, _ = fmt.Fprintf(w, "# HELP eventrelay_queue_depth Current number of rows in the local queue.\n")
			_, _ = fmt.Fprintf(w, "# TYPE eventrelay_queue_depth gauge\n")
			_, _ = fmt.Fprintf(w, "eventrelay_queue_depth %d\n", stats.Total)
			_, _ = fmt.Fprintf(w, "# HELP eventrelay_queue_eligible Current number of queued rows still eligible for delivery.\n")
			_, _ = fmt.Fprintf(w, "# TYPE eventrelay_queue_eligible gauge\n")
			_, _ = fmt.Fprintf(w, "eventrelay_queue_eligible %d\n", stats.Eligible)
			if stats.OldestCreatedAt > 0 {
				ageSeconds := rm.now().UnixMilli() - stats.OldestCreatedAt
				if ageSeconds < 0 {
					ageSeconds = 0
				}
				_, _ = fmt.Fprintf(w, "# HELP eventrelay_queue_oldest_age_seconds Age of the oldest queued row in seconds.\n")
				_, _ = fmt.Fprintf(w, "# TYPE eventrelay_queue_oldest_age_seconds gauge\n")
				_, _ = fmt.Fprintf(w, "eventrelay_queue_oldest_age_seconds %d\n", ageSeconds/1000)
			}
		}
	})
}
