// Package queue implements the durable store for pending telemetry events.
//
// Payloads are opaque bytes at this layer; event encoding and decoding live
// with the caller so a single malformed event can never poison a batch.
// Every backend serializes mutations through a single logical writer.
package queue

import "errors"

const (
	// DefaultMaxQueueSize is the row cap; inserts beyond it evict the
	// oldest rows in the same operation.
	DefaultMaxQueueSize = 500

	// DefaultMaxRetryCount is the retry ceiling. Rows at or above it are
	// never selected for delivery and are purged after the failing pass.
	DefaultMaxRetryCount = 5
)

var (
	ErrStoreClosed = errors.New("store closed")
)

// QueuedEvent is one pending event row.
type QueuedEvent struct {
	// ID is assigned by the store on insert, monotonically increasing,
	// never reused.
	ID int64

	// Payload is the serialized event, opaque to the queue.
	Payload []byte

	// CreatedAt is the insertion time in milliseconds since the epoch and
	// the sole ordering key for eviction and retry selection.
	CreatedAt int64

	// RetryCount is incremented once per failed delivery attempt that
	// included this row.
	RetryCount int
}

// Stats is a point-in-time snapshot used by diagnostics and metrics.
type Stats struct {
	Total           int
	Eligible        int
	OldestCreatedAt int64 // zero when the queue is empty
}

// Store is the durable queue contract. Implementations must keep row-set
// operations atomic; concurrent flush passes may select overlapping rows,
// and double deletes or double increments must stay benign.
type Store interface {
	// Enqueue inserts one row per payload, all stamped with the same
	// insertion time, then evicts the oldest rows beyond the size cap in
	// the same operation. Returns the number of rows inserted.
	Enqueue(payloads [][]byte) (int, error)

	// SelectEligible returns up to limit rows with retry_count below the
	// ceiling, oldest first. Pure read.
	SelectEligible(limit int) ([]QueuedEvent, error)

	// Delete removes exactly the given rows.
	Delete(ids []int64) error

	// IncrementRetry adds 1 to retry_count for exactly the given rows.
	IncrementRetry(ids []int64) error

	// PurgeExhausted deletes rows among ids whose retry_count has reached
	// the ceiling. Returns the number of rows purged.
	PurgeExhausted(ids []int64) (int, error)

	Stats() (Stats, error)

	Close() error
}

func normalizeUniqueIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
