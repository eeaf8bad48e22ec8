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

package filter

import (
	"fmt"
	"strec/pkg/pipeline"
	"strec/pkg/ringbuf"
	"strec/pkg/stream"
)

// Scale resizes video frames by a constant factor and rewrites format
// messages to the new dimensions. Packed frames are sampled bilinearly,
// except for the exact half-size case and planar frames which use
// nearest sampling.
type Scale struct {
	factor  float64
	streams map[uint8]*scaleState
}

type scaleState struct {
	src stream.VideoFormat
	dst stream.VideoFormat
}

// NewScale creates a scaling stage. A factor of 1 relays every message
// unchanged.
func NewScale(sess *pipeline.Session, from, to *ringbuf.Buffer, threads int, factor float64) (*pipeline.Stage, error) {
	if factor <= 0 {
		return nil, ringbuf.ErrInvalidArgument
	}
	sc := &Scale{
		factor:  factor,
		streams: make(map[uint8]*scaleState),
	}
	return pipeline.NewStage(pipeline.StageConfig{
		Name:    "scale",
		Session: sess,
		From:    from,
		To:      to,
		Threads: threads,
		NewWorker: func() (pipeline.Worker, error) {
			return &scaleWorker{sc: sc}, nil
		},
	})
}

const (
	scaleNone = iota
	scaleFormat
	scaleFrame
)

type scaleWorker struct {
	pipeline.NopWorker
	sc *Scale

	mode     int
	src, dst stream.VideoFormat
}

func (w *scaleWorker) Read(hdr *stream.Header, data []byte) (int, bool, error) {
	sc := w.sc
	w.mode = scaleNone

	switch hdr.Type {
	case stream.TypeVideoFormat:
		src, err := stream.UnmarshalVideoFormat(data)
		if err != nil {
			return 0, false, err
		}
		dst := scaledFormat(src, sc.factor)
		sc.streams[hdr.StreamID] = &scaleState{src: src, dst: dst}
		if dst == src {
			return 0, true, nil
		}
		w.mode = scaleFormat
		w.dst = dst
		return stream.VideoFormatSize, false, nil

	case stream.TypeVideoFrame:
		s, ok := sc.streams[hdr.StreamID]
		if !ok || s.dst == s.src {
			return 0, true, nil
		}
		if len(data) < s.src.FrameSize() {
			return 0, false, fmt.Errorf("stream %d: frame is %d bytes, format needs %d: %w",
				hdr.StreamID, len(data), s.src.FrameSize(), stream.ErrShortBuffer)
		}
		w.mode = scaleFrame
		w.src, w.dst = s.src, s.dst
		return s.dst.FrameSize(), false, nil
	}

	return 0, true, nil
}

func (w *scaleWorker) Write(hdr *stream.Header, data, out []byte) (int, error) {
	switch w.mode {
	case scaleFormat:
		if err := w.dst.MarshalTo(out); err != nil {
			return 0, err
		}
		return stream.VideoFormatSize, nil

	case scaleFrame:
		if w.src.PixFormat == stream.PixFmtYCbCr420 {
			scalePlanarNearest(out, data, w.src, w.dst)
		} else {
			bpp := packedBPP(w.src.PixFormat)
			if w.sc.factor == 0.5 {
				scalePackedNearest(out, data, w.src, w.dst, bpp)
			} else {
				scalePackedBilinear(out, data, w.src, w.dst, bpp)
			}
		}
		return w.dst.FrameSize(), nil
	}

	return copy(out, data), nil
}

// scaledFormat computes the output dimensions, kept even so planar
// chroma planes stay well formed.
func scaledFormat(src stream.VideoFormat, factor float64) stream.VideoFormat {
	dst := src
	dst.Width = uint32(float64(src.Width)*factor) &^ 1
	dst.Height = uint32(float64(src.Height)*factor) &^ 1
	if dst.Width < 2 {
		dst.Width = 2
	}
	if dst.Height < 2 {
		dst.Height = 2
	}
	return dst
}

func packedBPP(pixFormat uint8) int {
	if pixFormat == stream.PixFmtBGRA {
		return 4
	}
	return 3
}

func scalePackedNearest(dst, src []byte, from, to stream.VideoFormat, bpp int) {
	srcW, srcH := int(from.Width), int(from.Height)
	dstW, dstH := int(to.Width), int(to.Height)

	for y := 0; y < dstH; y++ {
		sy := y * srcH / dstH
		srcRow := src[sy*srcW*bpp:]
		dstRow := dst[y*dstW*bpp:]
		for x := 0; x < dstW; x++ {
			sx := x * srcW / dstW
			copy(dstRow[x*bpp:(x+1)*bpp], srcRow[sx*bpp:(sx+1)*bpp])
		}
	}
}

func scalePackedBilinear(dst, src []byte, from, to stream.VideoFormat, bpp int) {
	srcW, srcH := int(from.Width), int(from.Height)
	dstW, dstH := int(to.Width), int(to.Height)

	xRatio := float64(srcW-1) / float64(max(dstW-1, 1))
	yRatio := float64(srcH-1) / float64(max(dstH-1, 1))

	for y := 0; y < dstH; y++ {
		fy := float64(y) * yRatio
		y0 := int(fy)
		y1 := y0
		if y1 < srcH-1 {
			y1++
		}
		wy := fy - float64(y0)

		for x := 0; x < dstW; x++ {
			fx := float64(x) * xRatio
			x0 := int(fx)
			x1 := x0
			if x1 < srcW-1 {
				x1++
			}
			wx := fx - float64(x0)

			for c := 0; c < bpp; c++ {
				p00 := float64(src[(y0*srcW+x0)*bpp+c])
				p01 := float64(src[(y0*srcW+x1)*bpp+c])
				p10 := float64(src[(y1*srcW+x0)*bpp+c])
				p11 := float64(src[(y1*srcW+x1)*bpp+c])

				top := p00 + (p01-p00)*wx
				bot := p10 + (p11-p10)*wx
				dst[(y*dstW+x)*bpp+c] = uint8(top + (bot-top)*wy + 0.5)
			}
		}
	}
}

func scalePlanarNearest(dst, src []byte, from, to stream.VideoFormat) {
	srcW, srcH := int(from.Width), int(from.Height)
	dstW, dstH := int(to.Width), int(to.Height)

	n := scalePlane(dst, src, srcW, srcH, dstW, dstH)
	srcOff, dstOff := srcW*srcH, n
	n = scalePlane(dst[dstOff:], src[srcOff:], srcW/2, srcH/2, dstW/2, dstH/2)
	srcOff += (srcW / 2) * (srcH / 2)
	dstOff += n
	scalePlane(dst[dstOff:], src[srcOff:], srcW/2, srcH/2, dstW/2, dstH/2)
}

func scalePlane(dst, src []byte, srcW, srcH, dstW, dstH int) int {
	for y := 0; y < dstH; y++ {
		sy := y * srcH / dstH
		for x := 0; x < dstW; x++ {
			dst[y*dstW+x] = src[sy*srcW+x*srcW/dstW]
		}
	}
	return dstW * dstH
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
