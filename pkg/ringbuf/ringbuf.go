// Copyright 2023-2026 The strec Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package ringbuf implements a fixed-capacity circular byte buffer with
// framed message reservation and commit. A producer reserves a region,
// fills it and commits; a consumer reserves the oldest committed message,
// reads it and releases the region back to producers. Multiple producers
// and consumers may operate concurrently. Visibility order always equals
// reservation order, even when commits land out of order.
package ringbuf

import (
	"errors"
	"sync"
)

// Sentinel errors.
var (
	// ErrCancelled is returned by blocking operations after Cancel.
	ErrCancelled = errors.New("buffer cancelled")

	// ErrInvalidArgument is returned for requests that can never be
	// satisfied, such as a reservation larger than the buffer.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOrderViolation reports a broken ticket-ordering invariant.
	ErrOrderViolation = errors.New("ticket order violation")

	// ErrWouldBlock is returned by TryReserveRead when no message is ready.
	ErrWouldBlock = errors.New("operation would block")
)

// Each message is framed as [u32 used][u32 alloc][payload]. A producer may
// commit fewer bytes than it reserved, so both sizes are recorded: readers
// consume "used" bytes and release "alloc" bytes.
const frameOverhead = 8

// Stats are cumulative buffer counters.
type Stats struct {
	BytesWritten uint64 // payload bytes committed.
	BytesRead    uint64 // payload bytes consumed.
	MaxFill      int    // high-water mark of reserved bytes.
	WaitEvents   uint64 // times a producer or consumer had to wait.
}

// Buffer is a multi-producer multi-consumer circular message buffer.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	data []byte

	// Absolute cursors, position in the ring is cursor % len(data).
	//
	//   freed <= readNext <= visible <= reserved
	//
	// freed: everything before it has been released by readers.
	// readNext: next committed message to hand to a reader.
	// visible: end of the contiguous committed prefix.
	// reserved: write reservation cursor.
	freed    int64
	readNext int64
	visible  int64
	reserved int64

	// Outstanding tickets in reservation order.
	writeTickets []*WriteTicket
	readTickets  []*ReadTicket

	// FIFO admission for producers waiting on space.
	writeSeqHead uint64
	writeSeqTail uint64

	cancelled bool
	stats     Stats
}

// NewBuffer creates a buffer holding up to capacity bytes of framed
// messages. Capacity is fixed for the buffer's lifetime.
func NewBuffer(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, ErrInvalidArgument
	}
	b := &Buffer{data: make([]byte, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// Capacity returns the fixed byte capacity.
func (b *Buffer) Capacity() int {
	return len(b.data)
}

// ReserveWrite blocks until size payload bytes plus framing are free and
// returns a ticket for the reserved region. Space is granted to waiting
// producers in arrival order. Returns ErrCancelled if the buffer is or
// becomes cancelled, ErrInvalidArgument if the request can never fit.
func (b *Buffer) ReserveWrite(size int) (*WriteTicket, error) {
	if size < 0 || size+frameOverhead > len(b.data) {
		return nil, ErrInvalidArgument
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.writeSeqTail
	b.writeSeqTail++

	need := int64(size + frameOverhead)
	waited := false
	for !b.cancelled &&
		(seq != b.writeSeqHead || b.reserved-b.freed+need > int64(len(b.data))) {
		if !waited {
			waited = true
			b.stats.WaitEvents++
		}
		b.cond.Wait()
	}
	b.writeSeqHead++
	b.cond.Broadcast()
	if b.cancelled {
		return nil, ErrCancelled
	}

	t := &WriteTicket{
		buf:   b,
		off:   b.reserved,
		used:  size,
		alloc: size,
	}
	b.reserved += need
	if fill := int(b.reserved - b.freed); fill > b.stats.MaxFill {
		b.stats.MaxFill = fill
	}
	b.writeTickets = append(b.writeTickets, t)

	start := (t.off + frameOverhead) % int64(len(b.data))
	if int(start)+size <= len(b.data) {
		t.region = b.data[start : int(start)+size]
	} else {
		// Region wraps around the end, hand out a scratch slice and
		// flush it into the ring on commit.
		t.scratch = make([]byte, size)
	}
	return t, nil
}

// ReserveRead blocks until a committed message is available and returns a
// ticket for it. Concurrent readers receive consecutive messages. Returns
// ErrCancelled if the buffer is or becomes cancelled.
func (b *Buffer) ReserveRead() (*ReadTicket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	waited := false
	for !b.cancelled && b.readNext == b.visible {
		if !waited {
			waited = true
			b.stats.WaitEvents++
		}
		b.cond.Wait()
	}
	if b.cancelled {
		return nil, ErrCancelled
	}
	return b.takeRead(), nil
}

// TryReserveRead is the non-blocking variant of ReserveRead. It returns
// ErrWouldBlock when no committed message is ready.
func (b *Buffer) TryReserveRead() (*ReadTicket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelled {
		return nil, ErrCancelled
	}
	if b.readNext == b.visible {
		return nil, ErrWouldBlock
	}
	return b.takeRead(), nil
}

// takeRead pops the next committed message. Caller holds b.mu and has
// verified one is available.
func (b *Buffer) takeRead() *ReadTicket {
	used := int(b.u32At(b.readNext))
	alloc := int(b.u32At(b.readNext + 4))

	t := &ReadTicket{
		buf:   b,
		off:   b.readNext,
		used:  used,
		alloc: alloc,
	}
	start := (t.off + frameOverhead) % int64(len(b.data))
	if int(start)+used <= len(b.data) {
		t.region = b.data[start : int(start)+used]
	} else {
		t.scratch = make([]byte, used)
		b.copyOut(t.scratch, t.off+frameOverhead)
	}
	b.readNext += int64(alloc + frameOverhead)
	b.readTickets = append(b.readTickets, t)
	return t
}

// Cancel marks the buffer cancelled and wakes every blocked producer and
// consumer. Idempotent. Cancellation is irreversible, Drain does not
// clear it.
func (b *Buffer) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelled {
		return
	}
	b.cancelled = true
	b.cond.Broadcast()
}

// Cancelled reports whether Cancel has been called.
func (b *Buffer) Cancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

// Drain resets the buffer to empty without cancelling it. The caller must
// guarantee no ticket is outstanding and no operation is in flight;
// draining a live buffer is a usage error with undefined results.
func (b *Buffer) Drain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.freed = 0
	b.readNext = 0
	b.visible = 0
	b.reserved = 0
	b.writeTickets = nil
	b.readTickets = nil
	b.cond.Broadcast()
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// advanceVisible publishes the contiguous committed prefix of write
// tickets. Caller holds b.mu.
func (b *Buffer) advanceVisible() {
	for len(b.writeTickets) > 0 && b.writeTickets[0].committed {
		t := b.writeTickets[0]
		b.writeTickets = b.writeTickets[1:]
		b.visible = t.off + frameOverhead + int64(t.alloc)
	}
}

// advanceFreed releases the contiguous released prefix of read tickets.
// Caller holds b.mu.
func (b *Buffer) advanceFreed() {
	for len(b.readTickets) > 0 && b.readTickets[0].done {
		t := b.readTickets[0]
		b.readTickets = b.readTickets[1:]
		b.freed = t.off + frameOverhead + int64(t.alloc)
	}
}

func (b *Buffer) u32At(off int64) uint32 {
	n := int64(len(b.data))
	return uint32(b.data[off%n]) |
		uint32(b.data[(off+1)%n])<<8 |
		uint32(b.data[(off+2)%n])<<16 |
		uint32(b.data[(off+3)%n])<<24
}

func (b *Buffer) putU32At(off int64, v uint32) {
	n := int64(len(b.data))
	b.data[off%n] = byte(v)
	b.data[(off+1)%n] = byte(v >> 8)
	b.data[(off+2)%n] = byte(v >> 16)
	b.data[(off+3)%n] = byte(v >> 24)
}

func (b *Buffer) copyIn(off int64, src []byte) {
	pos := int(off % int64(len(b.data)))
	n := copy(b.data[pos:], src)
	copy(b.data, src[n:])
}

func (b *Buffer) copyOut(dst []byte, off int64) {
	pos := int(off % int64(len(b.data)))
	n := copy(dst, b.data[pos:])
	if n < len(dst) {
		copy(dst[n:], b.data)
	}
}

// WriteTicket is a producer's handle to a reserved region. It is owned by
// a single goroutine and must be finished with Commit or Abort exactly
// once. Using a finished ticket panics.
type WriteTicket struct {
	buf   *Buffer
	off   int64
	used  int
	alloc int

	region  []byte // direct view when the region is contiguous.
	scratch []byte // copy-on-commit view when the region wraps.

	committed bool
	done      bool
}

// Bytes returns the writable payload region, sized to the reservation.
func (t *WriteTicket) Bytes() []byte {
	if t.done {
		panic("ringbuf: use of finished write ticket")
	}
	if t.scratch != nil {
		return t.scratch
	}
	return t.region
}

// Shrink declares that only n of the reserved bytes will be committed.
// The remainder of the reservation is wasted ring space until released by
// the reader; producers that cannot size output upfront reserve the worst
// case and shrink to the actual size.
func (t *WriteTicket) Shrink(n int) error {
	if t.done {
		panic("ringbuf: use of finished write ticket")
	}
	if n < 0 || n > t.alloc {
		return ErrInvalidArgument
	}
	t.used = n
	return nil
}

// Commit publishes the written bytes. The message becomes visible to
// readers once every earlier reservation has also committed. Returns
// ErrCancelled if the buffer was cancelled, in which case the data is
// discarded but the ticket is still consumed.
func (t *WriteTicket) Commit() error {
	if t.done {
		panic("ringbuf: use of finished write ticket")
	}
	b := t.buf
	b.mu.Lock()
	defer b.mu.Unlock()

	t.done = true
	t.committed = true
	b.putU32At(t.off, uint32(t.used))
	b.putU32At(t.off+4, uint32(t.alloc))
	if t.scratch != nil {
		b.copyIn(t.off+frameOverhead, t.scratch[:t.used])
	}
	b.stats.BytesWritten += uint64(t.used)
	b.advanceVisible()
	b.cond.Broadcast()

	if b.cancelled {
		return ErrCancelled
	}
	return nil
}

// Abort releases the reservation without committing. Only the newest
// outstanding reservation can be aborted, older uncommitted reservations
// block cursor rollback; aborting any other ticket returns
// ErrOrderViolation.
func (t *WriteTicket) Abort() error {
	if t.done {
		panic("ringbuf: use of finished write ticket")
	}
	b := t.buf
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.writeTickets) == 0 || b.writeTickets[len(b.writeTickets)-1] != t {
		return ErrOrderViolation
	}
	t.done = true
	b.writeTickets = b.writeTickets[:len(b.writeTickets)-1]
	b.reserved = t.off
	b.cond.Broadcast()
	return nil
}

// ReadTicket is a consumer's handle to one committed message. It is owned
// by a single goroutine and must be released exactly once. Using a
// released ticket panics.
type ReadTicket struct {
	buf   *Buffer
	off   int64
	used  int
	alloc int

	region  []byte
	scratch []byte

	done bool
}

// Bytes returns the message payload.
func (t *ReadTicket) Bytes() []byte {
	if t.done {
		panic("ringbuf: use of released read ticket")
	}
	if t.scratch != nil {
		return t.scratch
	}
	return t.region
}

// Size returns the payload length.
func (t *ReadTicket) Size() int {
	if t.done {
		panic("ringbuf: use of released read ticket")
	}
	return t.used
}

// Release frees the message region for producers. Space becomes reusable
// once every earlier read has also been released.
func (t *ReadTicket) Release() {
	b := t.buf
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.done {
		panic("ringbuf: use of released read ticket")
	}
	t.done = true
	b.stats.BytesRead += uint64(t.used)
	b.advanceFreed()
	b.cond.Broadcast()
}
