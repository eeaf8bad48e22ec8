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
	"math"
	"strec/pkg/pipeline"
	"strec/pkg/ringbuf"
	"strec/pkg/stream"
)

// colorState is the per-stream correction, precomputed into per-channel
// lookup tables.
type colorState struct {
	format stream.VideoFormat
	lut    *[3][256]uint8
}

// Color applies brightness, contrast and per-channel gamma to video
// frames. Correction and format messages update per-stream state and
// ride through unchanged, so downstream stages still see a complete
// stream.
//
// Format and correction state is only touched while the message is being
// read, which the stage serializes, so the stage can run multi-threaded.
type Color struct {
	sess *pipeline.Session

	// override applies to every stream when set, replacing in-band
	// correction messages.
	override *stream.Color

	streams map[uint8]*colorState
}

// NewColor creates a color correction stage. A non-nil override applies
// to all streams, otherwise corrections come from in-band messages.
func NewColor(sess *pipeline.Session, from, to *ringbuf.Buffer, threads int, override *stream.Color) (*pipeline.Stage, error) {
	c := &Color{
		sess:     sess,
		override: override,
		streams:  make(map[uint8]*colorState),
	}
	return pipeline.NewStage(pipeline.StageConfig{
		Name:    "color",
		Session: sess,
		From:    from,
		To:      to,
		Threads: threads,
		NewWorker: func() (pipeline.Worker, error) {
			return &colorWorker{c: c}, nil
		},
	})
}

type colorWorker struct {
	pipeline.NopWorker
	c *Color

	// State captured under the stage's read phase for the unlocked
	// write phase.
	lut   *[3][256]uint8
	bpp   int
	chmap [3]int // byte offset within a pixel per R, G, B channel.
}

func (w *colorWorker) Read(hdr *stream.Header, data []byte) (int, bool, error) {
	c := w.c

	switch hdr.Type {
	case stream.TypeVideoFormat:
		format, err := stream.UnmarshalVideoFormat(data)
		if err != nil {
			return 0, false, err
		}
		s := c.stateFor(hdr.StreamID)
		s.format = format
		return 0, true, nil

	case stream.TypeColor:
		if c.override != nil {
			return 0, true, nil
		}
		correction, err := stream.UnmarshalColor(data)
		if err != nil {
			return 0, false, err
		}
		c.stateFor(hdr.StreamID).lut = buildLUT(correction)
		return 0, true, nil

	case stream.TypeVideoFrame:
		s := c.stateFor(hdr.StreamID)
		if s.lut == nil {
			return 0, true, nil
		}
		switch s.format.PixFormat {
		case stream.PixFmtBGR:
			w.bpp, w.chmap = 3, [3]int{2, 1, 0}
		case stream.PixFmtBGRA:
			w.bpp, w.chmap = 4, [3]int{2, 1, 0}
		case stream.PixFmtRGB:
			w.bpp, w.chmap = 3, [3]int{0, 1, 2}
		default:
			// Planar formats are corrected upstream of the
			// YCbCr conversion, not here.
			return 0, true, nil
		}
		w.lut = s.lut
		return len(data), false, nil
	}

	return 0, true, nil
}

func (w *colorWorker) Write(hdr *stream.Header, data, out []byte) (int, error) {
	lut, bpp, chmap := w.lut, w.bpp, w.chmap
	copy(out, data)
	for i := 0; i+bpp <= len(data); i += bpp {
		out[i+chmap[0]] = lut[0][data[i+chmap[0]]]
		out[i+chmap[1]] = lut[1][data[i+chmap[1]]]
		out[i+chmap[2]] = lut[2][data[i+chmap[2]]]
	}
	return len(data), nil
}

func (c *Color) stateFor(id uint8) *colorState {
	s, ok := c.streams[id]
	if !ok {
		s = &colorState{}
		if c.override != nil {
			s.lut = buildLUT(*c.override)
		}
		c.streams[id] = s
	}
	return s
}

// buildLUT precomputes the correction for every channel value:
// gamma first, then contrast around the midpoint, then brightness.
func buildLUT(correction stream.Color) *[3][256]uint8 {
	gammas := [3]float64{correction.Red, correction.Green, correction.Blue}

	var lut [3][256]uint8
	for ch, gamma := range gammas {
		if gamma <= 0 {
			gamma = 1
		}
		for i := 0; i < 256; i++ {
			v := math.Pow(float64(i)/255, 1/gamma)
			v = (v-0.5)*correction.Contrast + 0.5 + correction.Brightness
			lut[ch][i] = clamp255(v * 255)
		}
	}
	return &lut
}

func clamp255(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(v))
}
