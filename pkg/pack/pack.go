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

package pack

import (
	"fmt"
	"strec/pkg/pipeline"
	"strec/pkg/stream"
	"sync/atomic"
)

// DefaultCompressMin is the smallest payload worth compressing. Format
// and control messages are far below it.
const DefaultCompressMin = 1024

// Stats counts payload bytes through a pack or unpack stage. Safe for
// concurrent use.
type Stats struct {
	in  uint64
	out uint64
}

// AddIn counts input payload bytes.
func (s *Stats) AddIn(n int) { atomic.AddUint64(&s.in, uint64(n)) }

// AddOut counts output payload bytes.
func (s *Stats) AddOut(n int) { atomic.AddUint64(&s.out, uint64(n)) }

// In returns total input payload bytes.
func (s *Stats) In() uint64 { return atomic.LoadUint64(&s.in) }

// Out returns total output payload bytes.
func (s *Stats) Out() uint64 { return atomic.LoadUint64(&s.out) }

// Ratio returns output bytes per input byte, 1 when nothing was counted.
func (s *Stats) Ratio() float64 {
	in := s.In()
	if in == 0 {
		return 1
	}
	return float64(s.Out()) / float64(in)
}

// NewPacker returns a worker factory for a compression stage. Video
// frames and audio data larger than minSize are wrapped in container
// messages compressed with the named codec, everything else passes
// through. The codec name is validated here, before any pipeline starts.
func NewPacker(codecName string, minSize int, stats *Stats) (func() (pipeline.Worker, error), error) {
	if _, err := ForName(codecName); err != nil {
		return nil, err
	}
	if minSize <= 0 {
		minSize = DefaultCompressMin
	}
	if stats == nil {
		stats = &Stats{}
	}

	return func() (pipeline.Worker, error) {
		codec, err := ForName(codecName)
		if err != nil {
			return nil, err
		}
		return &packWorker{codec: codec, minSize: minSize, stats: stats}, nil
	}, nil
}

type packWorker struct {
	pipeline.NopWorker
	codec   Codec
	minSize int
	stats   *Stats
}

func (w *packWorker) Read(hdr *stream.Header, data []byte) (int, bool, error) {
	w.stats.AddIn(len(data))

	compressible := w.codec.ID() != codecIDNone &&
		len(data) > w.minSize &&
		(hdr.Type == stream.TypeVideoFrame || hdr.Type == stream.TypeAudioData)
	if !compressible {
		w.stats.AddOut(len(data))
		return 0, true, nil
	}
	return stream.ContainerSize + w.codec.MaxCompressedLen(len(data)), false, nil
}

func (w *packWorker) Write(hdr *stream.Header, data, out []byte) (int, error) {
	container := stream.Container{
		Codec:      w.codec.ID(),
		OrigSize:   uint32(len(data)),
		OrigHeader: *hdr,
	}
	if err := container.MarshalTo(out); err != nil {
		return 0, err
	}

	n, err := w.codec.Compress(out[stream.ContainerSize:], data)
	if err != nil {
		return 0, err
	}
	hdr.Type = stream.TypeContainer

	w.stats.AddOut(stream.ContainerSize + n)
	return stream.ContainerSize + n, nil
}

// NewUnpacker returns a worker factory for a decompression stage.
// Container messages are restored to their original message, everything
// else passes through. An unknown container codec is a fatal stream
// error.
func NewUnpacker(stats *Stats) func() (pipeline.Worker, error) {
	if stats == nil {
		stats = &Stats{}
	}
	return func() (pipeline.Worker, error) {
		return &unpackWorker{
			stats:  stats,
			codecs: make(map[uint8]Codec),
		}, nil
	}
}

type unpackWorker struct {
	pipeline.NopWorker
	stats  *Stats
	codecs map[uint8]Codec // Lazily created, keyed by container codec id.
}

func (w *unpackWorker) Read(hdr *stream.Header, data []byte) (int, bool, error) {
	w.stats.AddIn(len(data))

	if hdr.Type != stream.TypeContainer {
		w.stats.AddOut(len(data))
		return 0, true, nil
	}

	container, err := stream.UnmarshalContainer(data)
	if err != nil {
		return 0, false, fmt.Errorf("container header: %w", err)
	}
	if _, err := w.codecFor(container.Codec); err != nil {
		return 0, false, err
	}
	return int(container.OrigSize), false, nil
}

func (w *unpackWorker) Write(hdr *stream.Header, data, out []byte) (int, error) {
	container, err := stream.UnmarshalContainer(data)
	if err != nil {
		return 0, fmt.Errorf("container header: %w", err)
	}

	codec, err := w.codecFor(container.Codec)
	if err != nil {
		return 0, err
	}
	n, err := codec.Decompress(out[:container.OrigSize], data[stream.ContainerSize:])
	if err != nil {
		return 0, err
	}
	if n != int(container.OrigSize) {
		return 0, fmt.Errorf("decompressed %d bytes, container declared %d", n, container.OrigSize)
	}

	*hdr = container.OrigHeader
	w.stats.AddOut(n)
	return n, nil
}

func (w *unpackWorker) codecFor(id uint8) (Codec, error) {
	if codec, ok := w.codecs[id]; ok {
		return codec, nil
	}
	codec, err := forID(id)
	if err != nil {
		return nil, err
	}
	w.codecs[id] = codec
	return codec, nil
}
