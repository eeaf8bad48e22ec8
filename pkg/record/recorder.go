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

package record

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"strec/pkg/log"
	"strec/pkg/pack"
	"strec/pkg/pipeline"
	"strec/pkg/ringbuf"
	"strec/pkg/sink"
	"strec/pkg/stream"
)

// Recorder states.
const (
	recorderIdle = iota
	recorderRunning
	recorderPaused
	recorderStopped
)

// ErrNotRunning means an operation needs a started, unstopped recorder.
var ErrNotRunning = errors.New("recorder is not running")

// Recorder assembles and drives one capture run:
//
//	producers → capture buffer → [pack] → sink
//
// Producers write framed messages into Buffer() with timestamps from
// Session().Time(). Stop ends the run by pushing a close message through
// the pipeline.
type Recorder struct {
	env *ConfigEnv
	log *log.Logger

	sess    *pipeline.Session
	capture *ringbuf.Buffer
	packed  *ringbuf.Buffer

	packStage *pipeline.Stage
	snk       sink.Sink
	stats     pack.Stats

	mu       sync.Mutex
	state    int
	captureN uint
	pausedAt time.Time
	reloadID uint64
}

// NewRecorder creates an idle recorder.
func NewRecorder(env *ConfigEnv, logger *log.Logger) *Recorder {
	return &Recorder{env: env, log: logger}
}

// Session returns the pipeline session. Valid after Start.
func (r *Recorder) Session() *pipeline.Session { return r.sess }

// Buffer returns the buffer producers write captured messages into.
// Valid after Start.
func (r *Recorder) Buffer() *ringbuf.Buffer { return r.capture }

// Stats returns the compression counters.
func (r *Recorder) Stats() *pack.Stats { return &r.stats }

// Start builds the pipeline and opens the first target.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != recorderIdle {
		return ErrNotRunning
	}

	r.sess = pipeline.NewSession(r.log)

	capture, err := ringbuf.NewBuffer(r.env.UncompressedBufferSize)
	if err != nil {
		return err
	}
	r.capture = capture
	r.sess.RegisterBuffer(capture)

	compressing := r.env.Compress != "none" && r.env.Compress != ""
	r.sess.AccountStage(true, compressing) // The sink is single threaded.

	if err := r.openSink(); err != nil {
		return err
	}

	sinkInput := capture
	if compressing {
		packed, err := ringbuf.NewBuffer(r.env.CompressedBufferSize)
		if err != nil {
			return err
		}
		r.packed = packed
		r.sess.RegisterBuffer(packed)
		sinkInput = packed

		threads := r.env.Threads
		if threads == 0 {
			threads = r.sess.ThreadHint()
		}
		newWorker, err := pack.NewPacker(r.env.Compress, r.env.CompressMin, &r.stats)
		if err != nil {
			return err
		}
		stage, err := pipeline.NewStage(pipeline.StageConfig{
			Name:      "pack",
			Session:   r.sess,
			From:      capture,
			To:        packed,
			Threads:   threads,
			NewWorker: newWorker,
		})
		if err != nil {
			return err
		}
		r.packStage = stage
		if err := stage.Start(); err != nil {
			return err
		}
	}

	if err := r.snk.StartWriting(sinkInput); err != nil {
		return err
	}

	r.state = recorderRunning
	r.log.Info().
		Src("record").
		Session(r.sess.ID.String()).
		Msgf("capture started, target %q codec %s", r.targetName(), r.env.Compress)
	return nil
}

// openSink creates the configured sink and its first target. Callers
// hold r.mu.
func (r *Recorder) openSink() error {
	r.captureN++

	var err error
	if r.env.Pipe != "" {
		r.snk, err = sink.NewPipeSink(sink.PipeSinkConfig{
			Session:     r.sess,
			Logger:      r.log,
			Exec:        r.env.Pipe,
			Invert:      r.env.PipeInvert,
			Delay:       r.env.PipeDelay(),
			StopTimeout: time.Second,
		})
	} else {
		r.snk, err = sink.NewFileSink(sink.FileSinkConfig{
			Session:  r.sess,
			Sync:     r.env.Sync,
			Callback: r.rotate,
		})
	}
	if err != nil {
		return err
	}

	if err := r.snk.OpenTarget(r.targetName()); err != nil {
		return err
	}
	info, name, date := stream.NewInfo(r.env.FPS)
	return r.snk.WriteInfo(info, name, date)
}

func (r *Recorder) targetName() string {
	return stream.FormatFilename(r.env.Target, r.captureN, time.Now())
}

// rotate runs inside the sink's writing thread on a callback request,
// with writing paused between two messages.
func (r *Recorder) rotate(stream.CallbackRequest) error {
	r.mu.Lock()
	r.captureN++
	target := r.targetName()
	r.mu.Unlock()

	if err := r.snk.WriteEOF(); err != nil {
		return err
	}
	if err := r.snk.CloseTarget(); err != nil {
		return err
	}
	if err := r.snk.OpenTarget(target); err != nil {
		return err
	}
	info, name, date := stream.NewInfo(r.env.FPS)
	if err := r.snk.WriteInfo(info, name, date); err != nil {
		return err
	}
	if err := r.snk.WriteState(); err != nil {
		return err
	}

	r.log.Info().
		Src("record").
		Session(r.sess.ID.String()).
		Msgf("rotated to target %q", target)
	return nil
}

// Reload rotates the sink to a fresh target at a well-defined point in
// the message stream. Only file targets rotate.
func (r *Recorder) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != recorderRunning {
		return ErrNotRunning
	}
	if !r.snk.CanResume() {
		return fmt.Errorf("target cannot rotate: %w", sink.ErrInvalidState)
	}

	r.reloadID++
	var payload [stream.CallbackRequestSize]byte
	req := stream.CallbackRequest{RequestID: r.reloadID}
	if err := req.MarshalTo(payload[:]); err != nil {
		return err
	}
	hdr := stream.Header{Type: stream.TypeCallbackRequest, Time: r.sess.Time()}
	return writeMessage(r.capture, hdr, payload[:])
}

// Pause suspends the session clock. Producers are expected to stop
// submitting while paused.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != recorderRunning {
		return ErrNotRunning
	}
	r.state = recorderPaused
	r.pausedAt = time.Now()
	return nil
}

// Resume continues a paused capture, excluding the paused wall time from
// the session clock so timestamps stay contiguous.
func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != recorderPaused {
		return ErrNotRunning
	}
	if !r.snk.CanResume() {
		return fmt.Errorf("target cannot resume: %w", sink.ErrInvalidState)
	}
	r.sess.AddTimeDiff(time.Since(r.pausedAt))
	r.state = recorderRunning
	return nil
}

// Stop pushes a close message through the pipeline, waits for every
// stage and closes the target. Returns the run's first fatal error.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if r.state != recorderRunning && r.state != recorderPaused {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.state = recorderStopped
	r.mu.Unlock()

	hdr := stream.Header{Type: stream.TypeClose, Time: r.sess.Time()}
	err := writeMessage(r.capture, hdr, nil)
	if errors.Is(err, ringbuf.ErrCancelled) {
		err = nil
	}

	if r.packStage != nil {
		if werr := r.packStage.Wait(); err == nil {
			err = werr
		}
	}
	if werr := r.snk.WaitWriting(); err == nil {
		err = werr
	}
	if cerr := r.snk.CloseTarget(); err == nil &&
		!errors.Is(cerr, sink.ErrInvalidState) {
		err = cerr
	}

	if serr := r.sess.Err(); err == nil {
		err = serr
	}

	ev := r.log.Info()
	if err != nil {
		ev = r.log.Warn()
	}
	ev.Src("record").
		Session(r.sess.ID.String()).
		Msgf("capture stopped: %d bytes in, %d bytes out, ratio %.2f",
			r.stats.In(), r.stats.Out(), r.stats.Ratio())
	return err
}

// writeMessage reserves, fills and commits one message.
func writeMessage(to *ringbuf.Buffer, hdr stream.Header, payload []byte) error {
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
