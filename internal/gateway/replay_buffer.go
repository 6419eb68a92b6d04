package gateway

import "sync"

type replayEntry struct {
	Seq  int64
	Data []byte // envelope JSON
}

// ReplayBuffer keeps the last N envelopes of one channel so a client that
// noticed a channel_seq gap can backfill it over REST.
type ReplayBuffer struct {
	mu   sync.RWMutex
	buf  []replayEntry
	pos  int // next write position
	full bool
}

// NewReplayBuffer creates a replay buffer with the given capacity.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &ReplayBuffer{buf: make([]replayEntry, capacity)}
}

// Push appends an envelope, overwriting the oldest when full. data is
// copied.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	cp := append([]byte(nil), data...)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.buf[rb.pos] = replayEntry{Seq: seq, Data: cp}
	rb.pos = (rb.pos + 1) % len(rb.buf)
	if rb.pos == 0 {
		rb.full = true
	}
}

// Range returns entries with seq in [fromSeq, toSeq], oldest first.
func (rb *ReplayBuffer) Range(fromSeq, toSeq int64) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var result []replayEntry
	for i := 0; i < rb.len(); i++ {
		e := rb.buf[rb.index(i)]
		if e.Seq >= fromSeq && e.Seq <= toSeq {
			result = append(result, e)
		}
	}
	return result
}

// Oldest returns the lowest seq still held, or 0 when empty. A client
// whose gap starts before it has lost events for good.
func (rb *ReplayBuffer) Oldest() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.len() == 0 {
		return 0
	}
	return rb.buf[rb.index(0)].Seq
}

// Len returns the number of entries currently in the buffer.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.len()
}

func (rb *ReplayBuffer) len() int {
	if rb.full {
		return len(rb.buf)
	}
	return rb.pos
}

// index converts a logical index (0 = oldest) to a physical one.
func (rb *ReplayBuffer) index(logical int) int {
	if rb.full {
		return (rb.pos + logical) % len(rb.buf)
	}
	return logical
}
