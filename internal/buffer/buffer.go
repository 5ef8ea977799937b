package buffer

import (
	"errors"
	"sync"

	"autonomous-trader/internal/types"
)

// ErrOutOfOrderData is returned when a pushed candle's timestamp precedes
// the newest candle already held.
var ErrOutOfOrderData = errors.New("buffer: out-of-order candle")

// Stats reports ingestion counters for observability.
type Stats struct {
	Received   uint64
	Duplicates uint64
	Evicted    uint64
}

// Ring is a fixed-capacity candle buffer. When full, pushing a new candle
// evicts the oldest. Reads return copies so callers never alias internal
// storage.
type Ring struct {
	mu    sync.RWMutex
	data  []types.Candle
	head  int // index of oldest element
	size  int
	stats Stats
}

// NewRing creates a ring with the given capacity. Capacity must be > 0.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		panic("buffer: capacity must be positive")
	}
	return &Ring{data: make([]types.Candle, capacity)}
}

// Push appends a candle. A candle with the same timestamp as the newest
// is silently skipped; an older timestamp returns ErrOutOfOrderData.
func (r *Ring) Push(c types.Candle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Received++
	if r.size > 0 {
		newest := r.data[(r.head+r.size-1)%len(r.data)]
		if c.Ts == newest.Ts {
			r.stats.Duplicates++
			return nil
		}
		if c.Ts < newest.Ts {
			return ErrOutOfOrderData
		}
	}

	if r.size == len(r.data) {
		r.data[r.head] = c
		r.head = (r.head + 1) % len(r.data)
		r.stats.Evicted++
		return nil
	}
	r.data[(r.head+r.size)%len(r.data)] = c
	r.size++
	return nil
}

// Window returns the most recent n candles in chronological order. If
// fewer than n are held, all of them are returned.
func (r *Ring) Window(n int) []types.Candle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]types.Candle, n)
	start := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.data[(r.head+start+i)%len(r.data)]
	}
	return out
}

// Latest returns the newest candle, if any.
func (r *Ring) Latest() (types.Candle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.size == 0 {
		return types.Candle{}, false
	}
	return r.data[(r.head+r.size-1)%len(r.data)], true
}

// Len returns the number of candles currently held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring) Cap() int {
	return len(r.data)
}

// Stats returns a copy of the ingestion counters.
func (r *Ring) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}
