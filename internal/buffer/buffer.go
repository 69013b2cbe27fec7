// Package buffer implements the append-only output log of a task.
//
// A Buffer is written by exactly one process runner and read by any number
// of pollers and streams. Every Write appends one immutable chunk; readers
// keep a byte cursor and ask for everything after it, so each of them can
// continue from where it left off.
package buffer

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("output buffer closed")

// Chunk is a piece of output starting at Offset bytes into the log. Data is
// shared with the buffer and must not be modified.
type Chunk struct {
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
}

// End returns the offset just past the chunk.
func (c Chunk) End() int64 {
	return c.Offset + int64(len(c.Data))
}

// Slice is the result of a cursor read.
type Slice struct {
	Chunks []Chunk `json:"chunks"`
	Next   int64   `json:"next_offset"`
	Final  bool    `json:"is_final"` // the buffer is closed and Next is its end
}

type Buffer struct {
	mx      sync.RWMutex
	chunks  []Chunk
	size    int64
	closed  bool
	changed chan struct{}
}

func New() *Buffer {
	return &Buffer{changed: make(chan struct{})}
}

// Write appends a copy of p as a new chunk. It is safe to call concurrently
// with readers; the runner is the only writer.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := make([]byte, len(p))
	copy(data, p)

	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	b.chunks = append(b.chunks, Chunk{Offset: b.size, Data: data})
	b.size += int64(len(data))
	b.notify()
	return len(p), nil
}

// Close marks the buffer final. No chunk is ever appended afterwards.
// Closing twice is a no-op.
func (b *Buffer) Close() {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.notify()
}

// notify wakes up everyone waiting on Changed. Must hold b.mx.
func (b *Buffer) notify() {
	close(b.changed)
	if !b.closed {
		b.changed = make(chan struct{})
	}
}

// Changed returns a channel closed on the next append or on Close. For a
// closed buffer the returned channel is already closed.
func (b *Buffer) Changed() <-chan struct{} {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return b.changed
}

// Since returns all chunks after offset. An offset inside a chunk yields the
// remaining part of that chunk; offsets out of range are clamped.
func (b *Buffer) Since(offset int64) Slice {
	b.mx.RLock()
	defer b.mx.RUnlock()

	offset = min(max(offset, 0), b.size)
	idx := b.search(offset)
	var chunks []Chunk
	if idx < len(b.chunks) {
		chunks = make([]Chunk, 0, len(b.chunks)-idx)
		first := b.chunks[idx]
		if first.Offset < offset {
			first = Chunk{Offset: offset, Data: first.Data[offset-first.Offset:]}
		}
		chunks = append(chunks, first)
		chunks = append(chunks, b.chunks[idx+1:]...)
	}
	return Slice{
		Chunks: chunks,
		Next:   b.size,
		Final:  b.closed,
	}
}

// search returns the index of the chunk containing offset, or len(chunks)
// when offset is at the end. Must hold b.mx.
func (b *Buffer) search(offset int64) int {
	lo, hi := 0, len(b.chunks)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if b.chunks[mid].End() <= offset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Bytes returns the whole log as one slice.
func (b *Buffer) Bytes() []byte {
	b.mx.RLock()
	defer b.mx.RUnlock()
	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c.Data...)
	}
	return out
}

func (b *Buffer) Len() int64 {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return b.size
}

func (b *Buffer) Closed() bool {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return b.closed
}
