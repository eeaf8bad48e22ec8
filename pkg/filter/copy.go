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

// Package filter implements the relay stages that sit between a stream
// source and its sinks: fan-out, per-stream demultiplexing, color
// correction, frame scaling and diagnostics.
package filter

import (
	"strec/pkg/pipeline"
	"strec/pkg/ringbuf"
	"strec/pkg/stream"
)

// CopyTarget is one fan-out destination. A zero Type forwards every
// message, otherwise only messages of that type. Close messages are
// always forwarded so every destination stops cleanly.
type CopyTarget struct {
	To   *ringbuf.Buffer
	Type stream.MsgType
}

// NewCopy creates a fan-out relay stage copying messages from one buffer
// into every matching target.
func NewCopy(sess *pipeline.Session, from *ringbuf.Buffer, targets []CopyTarget) (*pipeline.Stage, error) {
	if len(targets) == 0 {
		return nil, ringbuf.ErrInvalidArgument
	}
	for _, t := range targets {
		if t.To == nil {
			return nil, ringbuf.ErrInvalidArgument
		}
	}

	return pipeline.NewStage(pipeline.StageConfig{
		Name:    "copy",
		Session: sess,
		From:    from,
		Threads: 1,
		NewWorker: func() (pipeline.Worker, error) {
			return &copyWorker{targets: targets}, nil
		},
	})
}

type copyWorker struct {
	pipeline.NopWorker
	targets []CopyTarget
}

func (w *copyWorker) Read(hdr *stream.Header, data []byte) (int, bool, error) {
	for _, t := range w.targets {
		if t.Type != 0 && t.Type != hdr.Type && hdr.Type != stream.TypeClose {
			continue
		}
		if err := forward(t.To, *hdr, data); err != nil {
			return 0, false, err
		}
	}
	return 0, true, nil
}

// forward reserves, fills and commits one message on a buffer.
func forward(to *ringbuf.Buffer, hdr stream.Header, payload []byte) error {
	wt, err := to.ReserveWrite(stream.HeaderSize + len(payload))
	if err != nil {
		return err
	}
	if err := hdr.MarshalTo(wt.Bytes()); err != nil {
		wt.Abort()
		return err
	}
	copy(wt.Bytes()[stream.HeaderSize:], payload)
	return wt.Commit()
}
