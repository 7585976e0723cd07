// Package history keeps fixed-size, timestamped series of recent metric values.
package history

import "time"

// Sample is one value and the time it was recorded.
type Sample[T any] struct {
	At    time.Time
	Value T
}

// Buffer is a ring of the most recent Cap() samples. Push never allocates; once the
// buffer is full the oldest sample is overwritten. Reads return copies ordered oldest
// to newest. A Buffer is not safe for concurrent use.
type Buffer[T any] struct {
	ring []Sample[T]
	head int // next write position
	n    int
	now  func() time.Time
}

// New allocates a buffer holding up to capacity samples. Capacities below one are
// raised to one.
func New[T any](capacity int) *Buffer[T] {
	return &Buffer[T]{
		ring: make([]Sample[T], max(capacity, 1)),
		now:  time.Now,
	}
}

// Push records v at the current time.
func (b *Buffer[T]) Push(v T) {
	b.PushAt(b.now(), v)
}

// PushAt records v with an explicit timestamp.
func (b *Buffer[T]) PushAt(at time.Time, v T) {
	b.ring[b.head] = Sample[T]{At: at, Value: v}
	b.head = (b.head + 1) % len(b.ring)
	if b.n < len(b.ring) {
		b.n++
	}
}

// Len is the number of samples held.
func (b *Buffer[T]) Len() int { return b.n }

// Cap is the fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.ring) }

// at returns the i-th oldest sample.
func (b *Buffer[T]) at(i int) *Sample[T] {
	start := b.head - b.n
	if start < 0 {
		start += len(b.ring)
	}
	return &b.ring[(start+i)%len(b.ring)]
}

// Latest returns the most recent value.
func (b *Buffer[T]) Latest() (T, bool) {
	if b.n == 0 {
		var zero T
		return zero, false
	}
	return b.at(b.n - 1).Value, true
}

// GetAll returns every held value, oldest first.
func (b *Buffer[T]) GetAll() []T {
	out := make([]T, b.n)
	for i := range out {
		out[i] = b.at(i).Value
	}
	return out
}

// Samples returns every held sample, oldest first.
func (b *Buffer[T]) Samples() []Sample[T] {
	out := make([]Sample[T], b.n)
	for i := range out {
		out[i] = *b.at(i)
	}
	return out
}

// GetRange returns the values recorded within d of the newest sample. Anchoring on the
// newest sample keeps the result stable when the producer has stopped.
func (b *Buffer[T]) GetRange(d time.Duration) []T {
	if b.n == 0 {
		return nil
	}
	return b.since(b.at(b.n - 1).At.Add(-d))
}

// GetRangeAt returns the values recorded within d before now.
func (b *Buffer[T]) GetRangeAt(now time.Time, d time.Duration) []T {
	return b.since(now.Add(-d))
}

func (b *Buffer[T]) since(cutoff time.Time) []T {
	first := b.n
	for i := 0; i < b.n; i++ {
		if !b.at(i).At.Before(cutoff) {
			first = i
			break
		}
	}
	if first == b.n {
		return nil
	}
	out := make([]T, 0, b.n-first)
	for i := first; i < b.n; i++ {
		out = append(out, b.at(i).Value)
	}
	return out
}
