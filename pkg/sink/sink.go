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

// Package sink implements the terminal stages of a pipeline: writing a
// stream to a file or to an external process, and reading a stream file
// back into a buffer.
//
// On-disk format, big-endian. A stream file holds one or more capture
// sessions:
//
//	session {
//	    info     [26]byte // stream.Info
//	    app_name [info.NameSize]byte
//	    date     [info.DateSize]byte
//	    frames   until a close frame
//	}
//
//	frame {
//	    size    uint32 // header + payload
//	    header  [10]byte // stream.Header
//	    payload [size-10]byte
//	}
//
// Version 0x03 files store the frame header before the size. Versions
// before 0x05 store frame and audio timestamps in microseconds.
package sink

import (
	"errors"

	"strec/pkg/ringbuf"
	"strec/pkg/stream"
)

// Sink state errors.
var (
	// ErrInvalidState means a sink operation was called in the wrong
	// order, such as writing data before the info block.
	ErrInvalidState = errors.New("invalid sink state")
)

// Sink writes an ordered message stream to a target outside the
// pipeline. Implementations are driven in this order: OpenTarget,
// WriteInfo, StartWriting, then WaitWriting and CloseTarget. WriteEOF and
// WriteState are used directly only during a target rotation.
type Sink interface {
	// OpenTarget opens or replaces the output target.
	OpenTarget(name string) error

	// WriteInfo writes the stream metadata block. Must be called once
	// per target before any message is written.
	WriteInfo(info stream.Info, appName, date string) error

	// WriteEOF terminates the current target's message stream.
	WriteEOF() error

	// WriteState replays tracked format messages into the target, so a
	// freshly rotated target is self-describing.
	WriteState() error

	// StartWriting consumes messages from the buffer in the background.
	StartWriting(from *ringbuf.Buffer) error

	// WaitWriting blocks until the writing stage has stopped and
	// returns its first fatal error.
	WaitWriting() error

	// CloseTarget closes the output target.
	CloseTarget() error

	// CanResume reports whether capture can pause and resume without
	// reopening the target.
	CanResume() bool
}

// Tracker caches the latest format-defining message per stream so they
// can be replayed after a target rotation.
//
// Not safe for concurrent use: submissions must come from the single
// stage thread owning the tracker.
type Tracker struct {
	entries map[trackerKey]trackedMessage
	order   []trackerKey
}

type trackerKey struct {
	typ      stream.MsgType
	streamID uint8
}

type trackedMessage struct {
	header  stream.Header
	payload []byte
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[trackerKey]trackedMessage)}
}

// Submit records the message if it is format-defining, the latest
// message per type and stream wins. Other message types are ignored.
func (t *Tracker) Submit(hdr stream.Header, payload []byte) {
	if !hdr.Type.IsFormat() {
		return
	}
	key := trackerKey{typ: hdr.Type, streamID: hdr.StreamID}
	if _, seen := t.entries[key]; !seen {
		t.order = append(t.order, key)
	}

	stored := make([]byte, len(payload))
	copy(stored, payload)
	t.entries[key] = trackedMessage{header: hdr, payload: stored}
}

// Iterate calls fn for every tracked message in first-seen order and
// stops on the first error.
func (t *Tracker) Iterate(fn func(hdr stream.Header, payload []byte) error) error {
	for _, key := range t.order {
		msg := t.entries[key]
		if err := fn(msg.header, msg.payload); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of tracked messages.
func (t *Tracker) Len() int {
	return len(t.entries)
}
