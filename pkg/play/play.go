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

// Package play assembles playback and export pipelines over recorded
// stream files.
package play

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"strec/pkg/export"
	"strec/pkg/filter"
	"strec/pkg/log"
	"strec/pkg/metric"
	"strec/pkg/pack"
	"strec/pkg/pipeline"
	"strec/pkg/ringbuf"
	"strec/pkg/sink"
	"strec/pkg/stream"
)

// DefaultBufferSize is the per-hop buffer size of playback pipelines.
const DefaultBufferSize = 10 * 1024 * 1024

// Config is shared by every playback and export assembly.
type Config struct {
	Logger *log.Logger

	// File is the recorded stream file.
	File string

	// BufferSize overrides the per-hop buffer size.
	BufferSize int

	// Threads overrides the computed per-stage worker count.
	Threads int

	// Interrupt optionally ends the run early. A delivery or close
	// cancels the current session, the run result stays nil.
	Interrupt <-chan struct{}

	// Metrics optionally exposes the pipeline's buffers for the
	// duration of each session.
	Metrics *metric.Registry
}

func (c *Config) bufferSize() int {
	if c.BufferSize > 0 {
		return c.BufferSize
	}
	return DefaultBufferSize
}

// assembly tracks one session's pipeline while it runs.
type assembly struct {
	cfg     Config
	sess    *pipeline.Session
	info    stream.Info
	session int

	buffers []*ringbuf.Buffer
	stages  []*pipeline.Stage
	waiters []func() error
	metrics []string
}

func (a *assembly) buffer() (*ringbuf.Buffer, error) {
	b, err := ringbuf.NewBuffer(a.cfg.bufferSize())
	if err != nil {
		return nil, err
	}
	a.sess.RegisterBuffer(b)
	a.buffers = append(a.buffers, b)

	if a.cfg.Metrics != nil {
		name := fmt.Sprintf("play/buffer%d", len(a.buffers)-1)
		if err := a.cfg.Metrics.TrackBuffer(name, b); err != nil {
			return nil, err
		}
		a.metrics = append(a.metrics, "buffer/"+name)
	}
	return b, nil
}

func (a *assembly) addStage(s *pipeline.Stage, err error) error {
	if err != nil {
		return err
	}
	a.stages = append(a.stages, s)
	return nil
}

func (a *assembly) threads() int {
	if a.cfg.Threads > 0 {
		return a.cfg.Threads
	}
	return a.sess.ThreadHint()
}

func (a *assembly) start() error {
	for _, s := range a.stages {
		if err := s.Start(); err != nil {
			return err
		}
	}
	return nil
}

// wait joins every stage and consumer and returns the run's result,
// logging per-buffer statistics.
func (a *assembly) wait() error {
	var err error
	for _, s := range a.stages {
		if werr := s.Wait(); err == nil {
			err = werr
		}
	}
	for _, w := range a.waiters {
		if werr := w(); err == nil {
			err = werr
		}
	}
	if serr := a.sess.Err(); err == nil {
		err = serr
	}

	for i, b := range a.buffers {
		st := b.Stats()
		a.sess.Log.Debug().
			Src("play").
			Session(a.sess.ID.String()).
			Msgf("buffer %d: %d bytes through, max fill %d, %d waits",
				i, st.BytesWritten, st.MaxFill, st.WaitEvents)
	}
	for _, key := range a.metrics {
		a.cfg.Metrics.Untrack(key)
	}
	return err
}

// run drives build over every session in the file. The build callback
// assembles the pipeline from the source's output buffer and accounts
// its stages.
func run(cfg Config, build func(a *assembly, from *ringbuf.Buffer) error) error {
	src, err := sink.OpenSource(cfg.File)
	if err != nil {
		return err
	}
	defer src.Close()

	for session := 0; ; session++ {
		info, name, date, err := src.ReadInfo()
		if errors.Is(err, io.EOF) {
			if session == 0 {
				return fmt.Errorf("%q holds no capture session", cfg.File)
			}
			return nil
		}
		if err != nil {
			return err
		}

		a := &assembly{
			cfg:     cfg,
			sess:    pipeline.NewSession(cfg.Logger),
			info:    info,
			session: session,
		}
		a.sess.Log.Info().
			Src("play").
			Session(a.sess.ID.String()).
			Msgf("session %d: %s captured %s, version 0x%02x",
				session, name, date, info.Version)

		from, err := a.buffer()
		if err != nil {
			return err
		}
		if err := build(a, from); err != nil {
			return err
		}
		if err := a.start(); err != nil {
			return err
		}

		sessionDone := make(chan struct{})
		if cfg.Interrupt != nil {
			go func() {
				select {
				case <-cfg.Interrupt:
					a.sess.Cancel(pipeline.ErrInterrupted)
				case <-sessionDone:
				}
			}()
		}

		// The source pumps on this goroutine, downstream stages run
		// concurrently.
		pumpErr := src.Read(from)
		if pumpErr != nil && !errors.Is(pumpErr, ringbuf.ErrCancelled) {
			a.sess.Cancel(pumpErr)
		}

		err = a.wait()
		close(sessionDone)
		if errors.Is(err, pipeline.ErrInterrupted) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// unpack inserts the decompression stage and returns its output buffer.
func (a *assembly) unpack(from *ringbuf.Buffer) (*ringbuf.Buffer, error) {
	to, err := a.buffer()
	if err != nil {
		return nil, err
	}
	stage, err := pipeline.NewStage(pipeline.StageConfig{
		Name:      "unpack",
		Session:   a.sess,
		From:      from,
		To:        to,
		Threads:   a.threads(),
		NewWorker: pack.NewUnpacker(nil),
	})
	if err := a.addStage(stage, err); err != nil {
		return nil, err
	}
	return to, nil
}

// PlayOptions configures a playback assembly.
type PlayOptions struct {
	// NewVideoConsumer and NewAudioConsumer render the demuxed
	// per-stream output. Nil consumers drop that media kind.
	NewVideoConsumer filter.ConsumerFunc
	NewAudioConsumer filter.ConsumerFunc

	// ScaleFactor resizes video, zero or one leaves it unscaled.
	ScaleFactor float64

	// Color overrides in-band color correction.
	Color *stream.Color
}

// Play runs file → unpack → color → scale → demux with the given
// consumers for every session in the file.
func Play(cfg Config, opts PlayOptions) error {
	factor := opts.ScaleFactor
	if factor == 0 {
		factor = 1
	}

	return run(cfg, func(a *assembly, from *ringbuf.Buffer) error {
		a.sess.AccountStage(true, true)  // source, unpack
		a.sess.AccountStage(true, true)  // demux, color
		a.sess.AccountStage(false, true) // scale

		unpacked, err := a.unpack(from)
		if err != nil {
			return err
		}

		colored, err := a.buffer()
		if err != nil {
			return err
		}
		stage, err := filter.NewColor(a.sess, unpacked, colored, a.threads(), opts.Color)
		if err := a.addStage(stage, err); err != nil {
			return err
		}

		scaled, err := a.buffer()
		if err != nil {
			return err
		}
		stage, err = filter.NewScale(a.sess, colored, scaled, a.threads(), factor)
		if err := a.addStage(stage, err); err != nil {
			return err
		}

		demux, err := filter.NewDemux(filter.DemuxConfig{
			Session:          a.sess,
			NewVideoConsumer: opts.NewVideoConsumer,
			NewAudioConsumer: opts.NewAudioConsumer,
			VideoBufferSize:  a.cfg.bufferSize(),
			AudioBufferSize:  a.cfg.bufferSize() / 10,
		})
		if err != nil {
			return err
		}
		if err := demux.Start(scaled); err != nil {
			return err
		}
		a.waiters = append(a.waiters, demux.Wait)
		return nil
	})
}

// Info runs file → unpack → info dump for every session in the file.
func Info(cfg Config, out io.Writer, level int) error {
	return run(cfg, func(a *assembly, from *ringbuf.Buffer) error {
		a.sess.AccountStage(true, true)  // source, unpack
		a.sess.AccountStage(true, false) // info

		unpacked, err := a.unpack(from)
		if err != nil {
			return err
		}
		return a.addStage(filter.NewInfo(a.sess, unpacked, out, level))
	})
}

// exportName expands the filename tags stream.FormatFilename knows and
// numbers the sessions after the first, so a file holding several
// capture sessions never overwrites an earlier session's export.
func exportName(format string, session int) string {
	now := time.Now()
	name := stream.FormatFilename(format, uint(session), now)
	if session > 0 && name == stream.FormatFilename(format, 0, now) {
		ext := filepath.Ext(name)
		name = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), session, ext)
	}
	return name
}

// ExportWAV writes one audio stream to a WAV file.
func ExportWAV(cfg Config, out string, streamID uint8) error {
	return run(cfg, func(a *assembly, from *ringbuf.Buffer) error {
		a.sess.AccountStage(true, true)
		a.sess.AccountStage(true, false)

		unpacked, err := a.unpack(from)
		if err != nil {
			return err
		}
		return a.addStage(export.NewWAV(export.WAVConfig{
			Session:  a.sess,
			From:     unpacked,
			Out:      exportName(out, a.session),
			StreamID: streamID,
		}))
	})
}

// ExportIMG writes one video stream as a numbered BMP sequence.
func ExportIMG(cfg Config, format string, streamID uint8) error {
	return run(cfg, func(a *assembly, from *ringbuf.Buffer) error {
		a.sess.AccountStage(true, true)
		a.sess.AccountStage(true, false)

		unpacked, err := a.unpack(from)
		if err != nil {
			return err
		}
		return a.addStage(export.NewIMG(export.IMGConfig{
			Session:  a.sess,
			From:     unpacked,
			Format:   exportName(format, a.session),
			StreamID: streamID,
		}))
	})
}

// ExportYUV4MPEG writes one video stream as a yuv4mpeg2 file. A zero
// fps takes the rate recorded in the stream info.
func ExportYUV4MPEG(cfg Config, out string, fps float64, streamID uint8) error {
	return run(cfg, func(a *assembly, from *ringbuf.Buffer) error {
		a.sess.AccountStage(true, true)
		a.sess.AccountStage(true, false)

		rate := fps
		if rate <= 0 {
			rate = a.info.FPS
		}
		if rate <= 0 {
			return fmt.Errorf("no frame rate recorded, pass one explicitly: %w",
				ringbuf.ErrInvalidArgument)
		}

		unpacked, err := a.unpack(from)
		if err != nil {
			return err
		}
		return a.addStage(export.NewYUV4MPEG(export.YUV4MPEGConfig{
			Session:  a.sess,
			From:     unpacked,
			Out:      exportName(out, a.session),
			FPS:      rate,
			StreamID: streamID,
		}))
	})
}
