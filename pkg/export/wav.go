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

// Package export implements terminal stages that turn one stream of a
// capture into a standalone media file: WAV audio, BMP image sequences
// and yuv4mpeg2 video.
package export

import (
	"encoding/binary"
	"fmt"
	"os"
	"strec/pkg/pipeline"
	"strec/pkg/ringbuf"
	"strec/pkg/stream"
)

// wavHeaderSize is the RIFF/WAVE header with one fmt and one data chunk.
const wavHeaderSize = 44

// WAVConfig configures a WAV export.
type WAVConfig struct {
	Session *pipeline.Session
	From    *ringbuf.Buffer

	// Out is the output file path.
	Out string

	// StreamID selects the audio stream, zero takes the first stream
	// whose format arrives.
	StreamID uint8
}

// NewWAV creates a stage writing one audio stream as a RIFF/WAVE file.
// Chunk sizes are patched in when the stream closes.
func NewWAV(cfg WAVConfig) (*pipeline.Stage, error) {
	if cfg.Out == "" {
		return nil, ringbuf.ErrInvalidArgument
	}
	return pipeline.NewStage(pipeline.StageConfig{
		Name:    "wav",
		Session: cfg.Session,
		From:    cfg.From,
		Threads: 1,
		NewWorker: func() (pipeline.Worker, error) {
			return &wavWorker{cfg: cfg}, nil
		},
	})
}

type wavWorker struct {
	pipeline.NopWorker
	cfg WAVConfig

	file      *os.File
	format    stream.AudioFormat
	streamID  uint8
	selected  bool
	dataBytes uint32
	scratch   []byte
}

func (w *wavWorker) Read(hdr *stream.Header, data []byte) (int, bool, error) {
	switch hdr.Type {
	case stream.TypeAudioFormat:
		if w.selected && hdr.StreamID != w.streamID {
			return 0, true, nil
		}
		if w.cfg.StreamID != 0 && hdr.StreamID != w.cfg.StreamID {
			return 0, true, nil
		}
		format, err := stream.UnmarshalAudioFormat(data)
		if err != nil {
			return 0, false, err
		}
		if w.selected && format != w.format {
			return 0, false, fmt.Errorf("audio format of stream %d changed mid-export", hdr.StreamID)
		}
		if !w.selected {
			w.format = format
			w.streamID = hdr.StreamID
			w.selected = true
			if err := w.open(); err != nil {
				return 0, false, err
			}
		}
		return 0, true, nil

	case stream.TypeAudioData:
		if !w.selected || hdr.StreamID != w.streamID {
			return 0, true, nil
		}
		return 0, true, w.writeData(data)
	}

	return 0, true, nil
}

func (w *wavWorker) Close(hdr stream.Header) error {
	if hdr.Type != stream.TypeClose || w.file == nil {
		return nil
	}
	return w.finalize()
}

func (w *wavWorker) Cleanup() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
}

func (w *wavWorker) open() error {
	file, err := os.OpenFile(w.cfg.Out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	w.file = file

	// Placeholder sizes, patched by finalize.
	var hdr [wavHeaderSize]byte
	copy(hdr[0:], "RIFF")
	copy(hdr[8:], "WAVE")
	copy(hdr[12:], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:], 16)
	binary.LittleEndian.PutUint16(hdr[20:], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:], uint16(w.format.Channels))
	binary.LittleEndian.PutUint32(hdr[24:], w.format.Rate)

	sample := w.format.SampleSize()
	blockAlign := sample * int(w.format.Channels)
	binary.LittleEndian.PutUint32(hdr[28:], uint32(blockAlign)*w.format.Rate)
	binary.LittleEndian.PutUint16(hdr[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:], uint16(sample*8))
	copy(hdr[36:], "data")

	_, err = file.Write(hdr[:])
	return err
}

func (w *wavWorker) writeData(data []byte) error {
	if w.file == nil {
		return nil
	}
	out := data
	if !w.format.Interleaved && w.format.Channels > 1 {
		out = w.interleave(data)
	}
	n, err := w.file.Write(out)
	w.dataBytes += uint32(n)
	return err
}

// interleave converts planar channel blocks into sample-interleaved
// order.
func (w *wavWorker) interleave(data []byte) []byte {
	if cap(w.scratch) < len(data) {
		w.scratch = make([]byte, len(data))
	}
	out := w.scratch[:len(data)]

	channels := int(w.format.Channels)
	sample := w.format.SampleSize()
	perChannel := len(data) / channels / sample

	for ch := 0; ch < channels; ch++ {
		plane := data[ch*perChannel*sample:]
		for s := 0; s < perChannel; s++ {
			copy(out[(s*channels+ch)*sample:], plane[s*sample:(s+1)*sample])
		}
	}
	return out
}

// finalize patches the RIFF and data chunk sizes and closes the file.
func (w *wavWorker) finalize() error {
	var size [4]byte

	binary.LittleEndian.PutUint32(size[:], wavHeaderSize-8+w.dataBytes)
	if _, err := w.file.WriteAt(size[:], 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(size[:], w.dataBytes)
	if _, err := w.file.WriteAt(size[:], 40); err != nil {
		return err
	}

	err := w.file.Close()
	w.file = nil
	return err
}
