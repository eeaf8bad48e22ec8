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
	"encoding/binary"
	"fmt"
	"os"
	"strec/pkg/pipeline"
	"strec/pkg/ringbuf"
	"strec/pkg/stream"
)

// bmpHeaderSize is the file header plus the BITMAPINFOHEADER.
const bmpHeaderSize = 54

// IMGConfig configures a BMP sequence export.
type IMGConfig struct {
	Session *pipeline.Session
	From    *ringbuf.Buffer

	// Format is the per-frame filename, it must contain one integer
	// verb for the frame number, e.g. "out/%010d.bmp".
	Format string

	// StreamID selects the video stream, zero takes the first stream
	// whose format arrives.
	StreamID uint8
}

// NewIMG creates a stage writing one video stream as a numbered BMP
// sequence. Packed BGR, BGRA and RGB frames are supported.
func NewIMG(cfg IMGConfig) (*pipeline.Stage, error) {
	if cfg.Format == "" {
		return nil, ringbuf.ErrInvalidArgument
	}
	return pipeline.NewStage(pipeline.StageConfig{
		Name:    "img",
		Session: cfg.Session,
		From:    cfg.From,
		Threads: 1,
		NewWorker: func() (pipeline.Worker, error) {
			return &imgWorker{cfg: cfg}, nil
		},
	})
}

type imgWorker struct {
	pipeline.NopWorker
	cfg IMGConfig

	format   stream.VideoFormat
	streamID uint8
	selected bool
	frame    int
	row      []byte
}

func (w *imgWorker) Read(hdr *stream.Header, data []byte) (int, bool, error) {
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
		if format.PixFormat == stream.PixFmtYCbCr420 {
			return 0, false, fmt.Errorf("bmp export: unsupported pixel format %s",
				stream.PixFmtName(format.PixFormat))
		}
		w.format = format
		w.streamID = hdr.StreamID
		w.selected = true
		return 0, true, nil

	case stream.TypeVideoFrame:
		if !w.selected || hdr.StreamID != w.streamID {
			return 0, true, nil
		}
		if len(data) < w.format.FrameSize() {
			return 0, false, fmt.Errorf("stream %d: frame is %d bytes, format needs %d: %w",
				hdr.StreamID, len(data), w.format.FrameSize(), stream.ErrShortBuffer)
		}
		err := w.writeBMP(data)
		w.frame++
		return 0, true, err
	}

	return 0, true, nil
}

func (w *imgWorker) writeBMP(data []byte) error {
	name := fmt.Sprintf(w.cfg.Format, w.frame)
	file, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open bmp: %w", err)
	}
	buf := bufio.NewWriter(file)

	width, height := int(w.format.Width), int(w.format.Height)
	outRow := (width*3 + 3) &^ 3
	imageSize := outRow * height

	var hdr [bmpHeaderSize]byte
	hdr[0], hdr[1] = 'B', 'M'
	binary.LittleEndian.PutUint32(hdr[2:], uint32(bmpHeaderSize+imageSize))
	binary.LittleEndian.PutUint32(hdr[10:], bmpHeaderSize)
	binary.LittleEndian.PutUint32(hdr[14:], 40)
	binary.LittleEndian.PutUint32(hdr[18:], uint32(width))
	binary.LittleEndian.PutUint32(hdr[22:], uint32(height))
	binary.LittleEndian.PutUint16(hdr[26:], 1)
	binary.LittleEndian.PutUint16(hdr[28:], 24)
	binary.LittleEndian.PutUint32(hdr[34:], uint32(imageSize))
	if _, err := buf.Write(hdr[:]); err != nil {
		file.Close()
		return err
	}

	// BMP rows run bottom-up, matching a bottom-up capture directly.
	bottomUp := w.format.Flags&stream.VideoFlagBottomUp != 0
	bpp := 3
	if w.format.PixFormat == stream.PixFmtBGRA {
		bpp = 4
	}
	srcRow := width * bpp

	if cap(w.row) < outRow {
		w.row = make([]byte, outRow)
	}
	row := w.row[:outRow]
	for i := range row {
		row[i] = 0
	}

	for y := 0; y < height; y++ {
		sy := y
		if !bottomUp {
			sy = height - 1 - y
		}
		src := data[sy*srcRow : (sy+1)*srcRow]

		switch w.format.PixFormat {
		case stream.PixFmtBGR:
			copy(row, src)
		case stream.PixFmtBGRA:
			for x := 0; x < width; x++ {
				copy(row[x*3:], src[x*4:x*4+3])
			}
		case stream.PixFmtRGB:
			for x := 0; x < width; x++ {
				row[x*3] = src[x*3+2]
				row[x*3+1] = src[x*3+1]
				row[x*3+2] = src[x*3]
			}
		}
		if _, err := buf.Write(row); err != nil {
			file.Close()
			return err
		}
	}

	if err := buf.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
