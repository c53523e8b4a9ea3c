// Package buffer holds finalized trace records until they are delivered.
package buffer

import (
	"sync"

	"github.com/animus-labs/xray-go/pkg/trail"
)

const DefaultCapacity = 1024

// Entry is a buffered record tagged with its insertion sequence.
type Entry struct {
	Seq    uint64
	Record trail.Record
}

// Stats is a point-in-time view of buffer counters.
type Stats struct {
	Len      int
	Capacity int
	Pushed   uint64
	Acked    uint64
	Evicted  uint64
}

// Buffer is a bounded FIFO. When full, Push evicts the oldest entry so the
// newest record is always admitted. Push never blocks.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	size    int
	nextSeq uint64

	pushed  uint64
	acked   uint64
	evicted uint64

	notify chan struct{}
}

func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries: make([]Entry, capacity),
		nextSeq: 1,
		notify:  make(chan struct{}, 1),
	}
}

// Push appends rec. It returns the evicted entry, if any.
func (b *Buffer) Push(rec trail.Record) (Entry, bool) {
	b.mu.Lock()
	var (
		evicted    Entry
		didEvict   bool
		capacity   = len(b.entries)
		insertSlot int
	)
	if b.size == capacity {
		evicted = b.entries[b.head]
		didEvict = true
		b.entries[b.head] = Entry{}
		b.head = (b.head + 1) % capacity
		b.size--
		b.evicted++
	}
	insertSlot = (b.head + b.size) % capacity
	b.entries[insertSlot] = Entry{Seq: b.nextSeq, Record: rec}
	b.nextSeq++
	b.size++
	b.pushed++
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return evicted, didEvict
}

// Peek returns the oldest entry without removing it.
func (b *Buffer) Peek() (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return Entry{}, false
	}
	return b.entries[b.head], true
}

// Ack removes the entry with seq if it is still at the head. It reports
// false when the entry was evicted in the meantime.
func (b *Buffer) Ack(seq uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 || b.entries[b.head].Seq != seq {
		return false
	}
	b.entries[b.head] = Entry{}
	b.head = (b.head + 1) % len(b.entries)
	b.size--
	b.acked++
	return true
}

// Snapshot copies the buffered entries, oldest first.
func (b *Buffer) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.entries[(b.head+i)%len(b.entries)]
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer) Cap() int {
	return len(b.entries)
}

// Notify is signalled (coalesced) after every Push.
func (b *Buffer) Notify() <-chan struct{} {
	return b.notify
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Len:      b.size,
		Capacity: len(b.entries),
		Pushed:   b.pushed,
		Acked:    b.acked,
		Evicted:  b.evicted,
	}
}
