// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package ringbuf implements a fixed-capacity byte queue used to stage
// outbound and inbound message frames.
//
// Valid bytes always occupy a single contiguous region of the backing array,
// so the unread data can be handed to a system call without copying. When an
// append does not fit after the current tail, the valid bytes are moved down
// to offset zero first.
//
// A Buffer is not safe for concurrent use without external synchronization.
package ringbuf

// A Buffer is a bounded FIFO of bytes.
type Buffer struct {
	buf  []byte
	head int // offset of the first valid byte
	size int // number of valid bytes
}

// New constructs an empty buffer with the given capacity in bytes.
// It panics if capacity < 0.
func New(capacity int) *Buffer {
	if capacity < 0 {
		panic("ringbuf: negative capacity")
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// Cap reports the total capacity of b in bytes.
func (b *Buffer) Cap() int { return len(b.buf) }

// Len reports the number of unread bytes in b.
func (b *Buffer) Len() int { return b.size }

// Remaining reports the number of bytes that can be written to b.
func (b *Buffer) Remaining() int { return len(b.buf) - b.size }

// Write appends p to b and reports whether it fit. If len(p) exceeds
// Remaining, Write returns false and b is not modified. A Write never
// partially succeeds.
func (b *Buffer) Write(p []byte) bool {
	if len(p) > b.Remaining() {
		return false
	}
	if b.head+b.size+len(p) > len(b.buf) {
		b.compact()
	}
	copy(b.buf[b.head+b.size:], p)
	b.size += len(p)
	return true
}

// WriteAll appends the concatenation of ps to b as a single unit. Either all
// the pieces are written, or none is.
func (b *Buffer) WriteAll(ps ...[]byte) bool {
	var n int
	for _, p := range ps {
		n += len(p)
	}
	if n > b.Remaining() {
		return false
	}
	if b.head+b.size+n > len(b.buf) {
		b.compact()
	}
	for _, p := range ps {
		copy(b.buf[b.head+b.size:], p)
		b.size += len(p)
	}
	return true
}

// Head returns the unread region of b. The slice aliases the buffer storage
// and is only valid until the next call to a method that modifies b.
func (b *Buffer) Head() []byte { return b.buf[b.head : b.head+b.size] }

// Consume discards the first n unread bytes of b. If n exceeds Len, all the
// unread bytes are discarded and Consume returns false so the caller can
// report the discrepancy; otherwise it returns true.
func (b *Buffer) Consume(n int) bool {
	ok := n >= 0 && n <= b.size
	if n > b.size {
		n = b.size
	} else if n < 0 {
		n = 0
	}
	b.head += n
	b.size -= n
	if b.size == 0 {
		b.head = 0
	}
	return ok
}

// Reset discards all unread bytes.
func (b *Buffer) Reset() { b.head, b.size = 0, 0 }

// compact moves the unread bytes to the start of the backing array.
func (b *Buffer) compact() {
	if b.head == 0 {
		return
	}
	copy(b.buf, b.buf[b.head:b.head+b.size])
	b.head = 0
}
