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

package export

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strec/pkg/pipeline"
	"strec/pkg/ringbuf"
	"strec/pkg/stream"
	"time"
)

// YUV4MPEGConfig configures a yuv4mpeg2 export.
type YUV4MPEGConfig struct {
	Session *pipeline.Session
	From    *ringbuf.Buffer

	// Out is the output file path.
	Out string

	// FPS is the constant output rate. Captured frames arriving slower
	// than this are duplicated to keep the output rate constant.
	FPS float64

	// StreamID selects the video stream, zero takes the first stream
	// whose format arrives.
	StreamID uint8
}

// NewYUV4MPEG creates a stage writing one planar video stream as a
// yuv4mpeg2 file.
func NewYUV4MPEG(cfg YUV4MPEGConfig) (*pipeline.Stage, error) {
	if cfg.Out == "" || cfg.FPS <= 0 {
		return nil, ringbuf.ErrInvalidArgument
	}
	return pipeline.NewStage(pipeline.StageConfig{
		Name:    "yuv4mpeg",
		Session: cfg.Session,
		From:    cfg.From,
		Threads: 1,
		NewWorker: func() (pipeline.Worker, error) {
			return &y4mWorker{
				cfg:    cfg,
				period: int64(float64(time.Second) / cfg.FPS),
			}, nil
		},
	})
}

type y4mWorker struct {
	pipeline.NopWorker
	cfg    YUV4MPEGConfig
	period int64

	file     *os.File
	w        *bufio.Writer
	streamID uint8
	selected bool

	next int64 // stream time the next output slot falls on.
	last []byte
}

func (w *y4mWorker) Read(hdr *stream.Header, data []byte) (int, bool, error) {
	switch hdr.Type {
	case stream.TypeVideoFormat:
		if w.selected && hdr.StreamID != w.streamID {
			return 0, true, nil
		}
		if w.cfg.StreamID != 0 && hdr.StreamID != w.cfg.StreamID {
			return 0, true, nil
		}
		format, err := stream.UnmarshalVideoFormat(data)
		if err != nil {
			return 0, false, err
		}
		if format.PixFormat != stream.PixFmtYCbCr420 {
			return 0, false, fmt.Errorf("yuv4mpeg export: unsupported pixel format %s",
				stream.PixFmtName(format.PixFormat))
		}
		if w.selected {
			return 0, true, nil
		}
		w.streamID = hdr.StreamID
		w.selected = true
		return 0, true, w.open(format)

	case stream.TypeVideoFrame:
		if !w.selected || hdr.StreamID != w.streamID {
			return 0, true, nil
		}
		return 0, true, w.writeFrame(hdr.Time, data)
	}

	return 0, true, nil
}

func (w *y4mWorker) Close(hdr stream.Header) error {
	if hdr.Type != stream.TypeClose || w.file == nil {
		return nil
	}
	err := w.w.Flush()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	return err
}

func (w *y4mWorker) Cleanup() {
	if w.file != nil {
		w.w.Flush()
		w.file.Close()
		w.file = nil
	}
}

func (w *y4mWorker) open(format stream.VideoFormat) error {
	file, err := os.OpenFile(w.cfg.Out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open yuv4mpeg: %w", err)
	}
	w.file = file
	w.w = bufio.NewWriter(file)

	num, den := fpsFraction(w.cfg.FPS)
	_, err = fmt.Fprintf(w.w, "YUV4MPEG2 W%d H%d F%d:%d Ip A0:0 C420jpeg\n",
		format.Width, format.Height, num, den)
	return err
}

// writeFrame emits the frame, first repeating the previous one into any
// output slots the capture skipped.
func (w *y4mWorker) writeFrame(tm int64, data []byte) error {
	if w.last == nil {
		w.next = tm
	}
	for w.last != nil && tm >= w.next+w.period {
		if err := w.emit(w.last); err != nil {
			return err
		}
		w.next += w.period
	}

	if err := w.emit(data); err != nil {
		return err
	}
	w.next += w.period

	if cap(w.last) < len(data) {
		w.last = make([]byte, len(data))
	}
	w.last = w.last[:len(data)]
	copy(w.last, data)
	return nil
}

func (w *y4mWorker) emit(frame []byte) error {
	if _, err := w.w.WriteString("FRAME\n"); err != nil {
		return err
	}
	_, err := w.w.Write(frame)
	return err
}

// fpsFraction represents the rate as an integer fraction for the stream
// header.
func fpsFraction(fps float64) (int, int) {
	if fps == math.Trunc(fps) {
		return int(fps), 1
	}
	return int(math.Round(fps * 1000)), 1000
}
