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
	"errors"
	"fmt"
	"strec/pkg/pipeline"
	"strec/pkg/ringbuf"
	"strec/pkg/stream"
)

// Demux buffer sizes.
const (
	DefaultVideoBufferSize = 10 * 1024 * 1024
	DefaultAudioBufferSize = 1 * 1024 * 1024
)

// Waiter joins a per-stream consumer started by a ConsumerFunc.
type Waiter interface {
	Wait() error
}

// ConsumerFunc starts a consumer reading one stream's messages from its
// own buffer. It is called once per stream id, from the demux thread.
type ConsumerFunc func(streamID uint8, from *ringbuf.Buffer) (Waiter, error)

// DemuxConfig configures a Demux.
type DemuxConfig struct {
	Session *pipeline.Session

	// NewVideoConsumer handles video format and frame messages. A nil
	// func drops them.
	NewVideoConsumer ConsumerFunc

	// NewAudioConsumer handles audio format and data messages. A nil
	// func drops them.
	NewAudioConsumer ConsumerFunc

	// Per-stream buffer sizes, defaulted when zero.
	VideoBufferSize int
	AudioBufferSize int
}

// Demux routes messages to per-stream consumers, each with its own
// buffer, created lazily on the first message of a new stream id. Close
// is broadcast to every stream. A consumer that cancels its buffer quits
// just that stream, the rest keep playing.
type Demux struct {
	sess  *pipeline.Session
	cfg   DemuxConfig
	stage *pipeline.Stage

	video map[uint8]*demuxStream
	audio map[uint8]*demuxStream
}

type demuxStream struct {
	buf    *ringbuf.Buffer
	waiter Waiter
}

// NewDemux creates a demuxer.
func NewDemux(cfg DemuxConfig) (*Demux, error) {
	if cfg.Session == nil {
		return nil, ringbuf.ErrInvalidArgument
	}
	if cfg.VideoBufferSize <= 0 {
		cfg.VideoBufferSize = DefaultVideoBufferSize
	}
	if cfg.AudioBufferSize <= 0 {
		cfg.AudioBufferSize = DefaultAudioBufferSize
	}
	return &Demux{
		sess:  cfg.Session,
		cfg:   cfg,
		video: make(map[uint8]*demuxStream),
		audio: make(map[uint8]*demuxStream),
	}, nil
}

// Start spawns the routing thread.
func (d *Demux) Start(from *ringbuf.Buffer) error {
	if d.stage != nil {
		return ringbuf.ErrInvalidArgument
	}
	stage, err := pipeline.NewStage(pipeline.StageConfig{
		Name:    "demux",
		Session: d.sess,
		From:    from,
		Threads: 1,
		NewWorker: func() (pipeline.Worker, error) {
			return &demuxWorker{d: d}, nil
		},
	})
	if err != nil {
		return err
	}
	d.stage = stage
	return stage.Start()
}

// Wait joins the routing thread and every per-stream consumer and
// returns the first error.
func (d *Demux) Wait() error {
	if d.stage == nil {
		return ringbuf.ErrInvalidArgument
	}
	err := d.stage.Wait()

	// On a failed run the consumers may still be blocked on their
	// buffers.
	if d.sess.Cancelled() {
		for _, s := range d.video {
			s.buf.Cancel()
		}
		for _, s := range d.audio {
			s.buf.Cancel()
		}
	}

	for _, s := range d.video {
		if werr := s.waiter.Wait(); err == nil {
			err = werr
		}
	}
	for _, s := range d.audio {
		if werr := s.waiter.Wait(); err == nil {
			err = werr
		}
	}
	return err
}

type demuxWorker struct {
	pipeline.NopWorker
	d *Demux
}

func (w *demuxWorker) Read(hdr *stream.Header, data []byte) (int, bool, error) {
	d := w.d

	switch hdr.Type {
	case stream.TypeClose:
		if err := w.broadcast(d.video, *hdr, data); err != nil {
			return 0, false, err
		}
		return 0, true, w.broadcast(d.audio, *hdr, data)

	case stream.TypeVideoFormat, stream.TypeVideoFrame:
		if d.cfg.NewVideoConsumer == nil {
			return 0, true, nil
		}
		return 0, true, w.route(d.video, d.cfg.NewVideoConsumer, d.cfg.VideoBufferSize, *hdr, data)

	case stream.TypeAudioFormat, stream.TypeAudioData:
		if d.cfg.NewAudioConsumer == nil {
			return 0, true, nil
		}
		return 0, true, w.route(d.audio, d.cfg.NewAudioConsumer, d.cfg.AudioBufferSize, *hdr, data)
	}

	return 0, true, nil
}

func (w *demuxWorker) route(
	streams map[uint8]*demuxStream,
	newConsumer ConsumerFunc,
	bufSize int,
	hdr stream.Header,
	data []byte,
) error {
	d := w.d

	s, ok := streams[hdr.StreamID]
	if !ok {
		buf, err := ringbuf.NewBuffer(bufSize)
		if err != nil {
			return err
		}
		d.sess.RegisterBuffer(buf)
		waiter, err := newConsumer(hdr.StreamID, buf)
		if err != nil {
			return fmt.Errorf("start consumer for stream %d: %w", hdr.StreamID, err)
		}
		s = &demuxStream{buf: buf, waiter: waiter}
		streams[hdr.StreamID] = s
	}

	if err := forward(s.buf, hdr, data); err != nil {
		// A cancelled buffer means this one stream's consumer quit,
		// the rest keep running.
		if errors.Is(err, ringbuf.ErrCancelled) {
			d.sess.Log.Debug().
				Src("demux").
				Session(d.sess.ID.String()).
				Msgf("stream %d has quit", hdr.StreamID)
			delete(streams, hdr.StreamID)
			if werr := s.waiter.Wait(); werr != nil {
				return werr
			}
			return nil
		}
		return err
	}
	return nil
}

// broadcast forwards a message to every stream, dropping streams whose
// consumer has quit.
func (w *demuxWorker) broadcast(streams map[uint8]*demuxStream, hdr stream.Header, data []byte) error {
	for id, s := range streams {
		if err := forward(s.buf, hdr, data); err != nil {
			if errors.Is(err, ringbuf.ErrCancelled) {
				delete(streams, id)
				if werr := s.waiter.Wait(); werr != nil {
					return werr
				}
				continue
			}
			return err
		}
	}
	return nil
}
