package queue

import (
	"sort"
	"sync"
	"time"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithQueueCap(maxSize int) MemoryOption {
	return func(s *MemoryStore) {
		if maxSize > 0 {
			s.maxSize = maxSize
		}
	}
}

func WithRetryCeiling(maxRetry int) MemoryOption {
	return func(s *MemoryStore) {
		if maxRetry > 0 {
			s.maxRetry = maxRetry
		}
	}
}

// MemoryStore keeps the queue in process memory. It backs tests and hosts
// that explicitly opt out of durability; the mutex is the single writer.
type MemoryStore struct {
	mu       sync.Mutex
	nowFn    func() time.Time
	nextID   int64
	rows     []QueuedEvent
	maxSize  int
	maxRetry int
	closed   bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:    time.Now,
		nextID:   1,
		maxSize:  DefaultMaxQueueSize,
		maxRetry: DefaultMaxRetryCount,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) Enqueue(payloads [][]byte) (int, error) {
	if len(payloads) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	nowMillis := s.nowFn().UnixMilli()
	for _, payload := range payloads {
		s.rows = append(s.rows, QueuedEvent{
			ID:        s.nextID,
			Payload:   append([]byte(nil), payload...),
			CreatedAt: nowMillis,
		})
		s.nextID++
	}

	if excess := len(s.rows) - s.maxSize; excess > 0 {
		s.sortLocked()
		s.rows = append([]QueuedEvent(nil), s.rows[excess:]...)
	}
	return len(payloads), nil
}

func (s *MemoryStore) SelectEligible(limit int) ([]QueuedEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	s.sortLocked()
	out := make([]QueuedEvent, 0, limit)
	for _, row := range s.rows {
		if row.RetryCount >= s.maxRetry {
			continue
		}
		copied := row
		copied.Payload = append([]byte(nil), row.Payload...)
		out = append(out, copied)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(ids []int64) error {
	ids = normalizeUniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	drop := idSet(ids)
	kept := s.rows[:0]
	for _, row := range s.rows {
		if _, ok := drop[row.ID]; ok {
			continue
		}
		kept = append(kept, row)
	}
	s.rows = kept
	return nil
}

func (s *MemoryStore) IncrementRetry(ids []int64) error {
	ids = normalizeUniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	bump := idSet(ids)
	for i := range s.rows {
		if _, ok := bump[s.rows[i].ID]; ok {
			s.rows[i].RetryCount++
		}
	}
	return nil
}

func (s *MemoryStore) PurgeExhausted(ids []int64) (int, error) {
	ids = normalizeUniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	candidates := idSet(ids)
	purged := 0
	kept := s.rows[:0]
	for _, row := range s.rows {
		if _, ok := candidates[row.ID]; ok && row.RetryCount >= s.maxRetry {
			purged++
			continue
		}
		kept = append(kept, row)
	}
	s.rows = kept
	return purged, nil
}

func (s *MemoryStore) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Stats{}, ErrStoreClosed
	}

	stats := Stats{Total: len(s.rows)}
	for _, row := range s.rows {
		if row.RetryCount < s.maxRetry {
			stats.Eligible++
		}
		if stats.OldestCreatedAt == 0 || row.CreatedAt < stats.OldestCreatedAt {
			stats.OldestCreatedAt = row.CreatedAt
		}
	}
	return stats, nil
}

func (s *MemoryStore) sortLocked() {
	sort.SliceStable(s.rows, func(i, j int) bool {
		if s.rows[i].CreatedAt != s.rows[j].CreatedAt {
			return s.rows[i].CreatedAt < s.rows[j].CreatedAt
		}
		return s.rows[i].ID < s.rows[j].ID
	})
}

func idSet(ids []int64) map[int64]struct{} {
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
