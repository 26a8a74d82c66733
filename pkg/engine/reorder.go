package engine

import (
	"strconv"
	"sync"
	"time"
)

// BufferEntry is one result plus its ordering metadata: where the work was
// submitted, when it completed, and how long it sat waiting for earlier
// submissions to finish.
type BufferEntry[T any] struct {
	Result        T
	SubmitIndex   int
	CompleteIndex int
	SubmittedAt   time.Time
	CompletedAt   time.Time
	BufferWaitMS  float64
}

// ReorderBuffer restores submission order over concurrently completing work.
// Submit reserves the next slot, Complete fills it whenever the work
// finishes, and Ready drains the contiguous prefix of finished slots.
type ReorderBuffer[T any] struct {
	mu            sync.Mutex
	nextSubmit    int
	nextEmit      int
	completeCount int
	entries       map[int]*BufferEntry[T]
}

// NewReorderBuffer builds an empty buffer.
func NewReorderBuffer[T any]() *ReorderBuffer[T] {
	return &ReorderBuffer[T]{entries: make(map[int]*BufferEntry[T])}
}

// Submit reserves the next slot and returns its index.
func (b *ReorderBuffer[T]) Submit() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.nextSubmit
	b.entries[idx] = &BufferEntry[T]{SubmitIndex: idx, SubmittedAt: time.Now()}
	b.nextSubmit++
	return idx
}

// Complete stores a finished result. Completion order is recorded separately
// from submission order so audits can see how far results drifted.
func (b *ReorderBuffer[T]) Complete(idx int, result T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[idx]
	if !ok || !entry.CompletedAt.IsZero() {
		// Completing an unreserved or already-completed slot means the
		// executor's bookkeeping broke; results from here on would be
		// attributed to the wrong submission.
		panic("reorder buffer: complete on slot " + strconv.Itoa(idx) + " without matching submit")
	}
	entry.Result = result
	entry.CompletedAt = time.Now()
	entry.CompleteIndex = b.completeCount
	b.completeCount++
}

// Ready removes and returns every completed entry at the head of submission
// order. Entries blocked behind an incomplete slot stay buffered.
func (b *ReorderBuffer[T]) Ready() []BufferEntry[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []BufferEntry[T]
	for {
		entry, ok := b.entries[b.nextEmit]
		if !ok || entry.CompletedAt.IsZero() {
			break
		}
		entry.BufferWaitMS = float64(time.Since(entry.CompletedAt).Microseconds()) / 1000.0
		out = append(out, *entry)
		delete(b.entries, b.nextEmit)
		b.nextEmit++
	}
	return out
}

// Pending returns the number of submitted slots not yet drained.
func (b *ReorderBuffer[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
