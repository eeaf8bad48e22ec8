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

package sink

import (
	"fmt"
	"os"
	"os/exec"
	"strec/pkg/log"
	"strec/pkg/pipeline"
	"strec/pkg/ringbuf"
	"strec/pkg/stream"
	"sync"
	"time"
)

const defaultStopTimeout = 1 * time.Second

// PipeSinkConfig configures a PipeSink.
type PipeSinkConfig struct {
	Session *pipeline.Session
	Logger  *log.Logger

	// Exec is the consumer executable. It is started when the first
	// video format message arrives, with the arguments
	//
	//	<exec> <width>x<height> <pixfmt> <fps> <target>
	//
	// and raw video frames written to its stdin.
	Exec string

	// Invert flips frame rows before writing, for consumers that want
	// top-down rows from a bottom-up capture.
	Invert bool

	// Delay holds back frame writes until this much stream time has
	// passed, giving slow consumers room to start.
	Delay time.Duration

	// StopTimeout is how long to wait for the consumer after closing
	// its stdin before escalating to signals. Defaults to one second.
	StopTimeout time.Duration
}

// PipeSink streams raw video frames of one stream into the stdin of an
// external consumer process. Audio and state messages are discarded, the
// consumer gets its format on the command line instead of in-band.
type PipeSink struct {
	sess *pipeline.Session
	log  *log.Logger
	cfg  PipeSinkConfig

	target string
	fps    float64

	// waitTimeout is the per-frame write deadline, derived from the
	// stream rate so a stalled consumer is detected in frames, not
	// wall-clock guesses.
	waitTimeout time.Duration

	mu      sync.Mutex // guards the consumer process state.
	cmd     *exec.Cmd
	stdin   *os.File
	done    chan struct{}
	waitErr error

	stage *pipeline.Stage
}

// NewPipeSink creates a pipe sink. The consumer process is not started
// until the stream's video format is known.
func NewPipeSink(cfg PipeSinkConfig) (*PipeSink, error) {
	if cfg.Session == nil || cfg.Logger == nil || cfg.Exec == "" {
		return nil, ringbuf.ErrInvalidArgument
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &PipeSink{
		sess:        cfg.Session,
		log:         cfg.Logger,
		cfg:         cfg,
		waitTimeout: time.Second,
	}, nil
}

// CanResume implements Sink. A consumer reading a live pipe cannot
// survive a gap in the frame stream.
func (p *PipeSink) CanResume() bool { return false }

// OpenTarget implements Sink. The name is handed to the consumer as its
// last argument once it starts.
func (p *PipeSink) OpenTarget(name string) error {
	if p.cmd != nil {
		return fmt.Errorf("consumer already running: %w", ErrInvalidState)
	}
	p.target = name
	return nil
}

// WriteInfo implements Sink. The stream rate sizes the per-frame write
// deadline, five frame periods of stall counts as a dead consumer.
func (p *PipeSink) WriteInfo(info stream.Info, appName, date string) error {
	p.fps = info.FPS
	if info.FPS > 0 {
		p.waitTimeout = time.Duration(5 * float64(time.Second) / info.FPS)
		if p.waitTimeout < 100*time.Millisecond {
			p.waitTimeout = 100 * time.Millisecond
		}
	}
	return nil
}

// WriteEOF implements Sink. Closing stdin ends the consumer's input.
func (p *PipeSink) WriteEOF() error {
	return p.stopConsumer()
}

// WriteState implements Sink. A pipe consumer gets its format on the
// command line, there is no state to replay.
func (p *PipeSink) WriteState() error { return nil }

// CloseTarget implements Sink.
func (p *PipeSink) CloseTarget() error {
	return p.stopConsumer()
}

// StartWriting implements Sink.
func (p *PipeSink) StartWriting(from *ringbuf.Buffer) error {
	if p.stage != nil {
		return ErrInvalidState
	}
	stage, err := pipeline.NewStage(pipeline.StageConfig{
		Name:    "pipe",
		Session: p.sess,
		From:    from,
		Threads: 1,
		NewWorker: func() (pipeline.Worker, error) {
			return &pipeWorker{sink: p}, nil
		},
	})
	if err != nil {
		return err
	}
	p.stage = stage
	return stage.Start()
}

// WaitWriting implements Sink.
func (p *PipeSink) WaitWriting() error {
	if p.stage == nil {
		return ErrInvalidState
	}
	err := p.stage.Wait()
	p.stage = nil
	if serr := p.stopConsumer(); err == nil {
		err = serr
	}
	return err
}

// startConsumer spawns the consumer process. Stdin is our own pipe so
// frame writes can carry deadlines.
func (p *PipeSink) startConsumer(format stream.VideoFormat) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	args := []string{
		fmt.Sprintf("%dx%d", format.Width, format.Height),
		stream.PixFmtName(format.PixFormat),
		fmt.Sprintf("%g", p.fps),
		p.target,
	}
	cmd := exec.Command(p.cfg.Exec, args...)
	cmd.Stdin = r
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return fmt.Errorf("start consumer: %w", err)
	}
	r.Close()

	p.cmd = cmd
	p.stdin = w
	p.done = make(chan struct{})
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	p.log.Info().
		Src("pipe").
		Session(p.sess.ID.String()).
		Msgf("'%v' (%d) has been started", p.cfg.Exec, cmd.Process.Pid)
	return nil
}

// stopConsumer closes the consumer's stdin and waits for it to exit,
// escalating to an interrupt and then a kill if it lingers.
func (p *PipeSink) stopConsumer() error {
	p.mu.Lock()
	if p.cmd == nil {
		p.mu.Unlock()
		return nil
	}
	cmd, stdin, done := p.cmd, p.stdin, p.done
	p.cmd = nil
	p.stdin = nil
	p.done = nil
	p.mu.Unlock()

	stdin.Close()
	select {
	case <-done:
		return p.exitResult(cmd)
	case <-time.After(p.cfg.StopTimeout):
	}

	cmd.Process.Signal(os.Interrupt)
	select {
	case <-done:
		return p.exitResult(cmd)
	case <-time.After(p.cfg.StopTimeout):
	}

	cmd.Process.Signal(os.Kill)
	<-done
	return p.exitResult(cmd)
}

func (p *PipeSink) exitResult(cmd *exec.Cmd) error {
	if p.waitErr != nil {
		p.log.Warn().
			Src("pipe").
			Session(p.sess.ID.String()).
			Msgf("consumer (%d) exited: %v", cmd.Process.Pid, p.waitErr)
	}
	return nil
}

// pipeWorker is the single writing thread.
type pipeWorker struct {
	pipeline.NopWorker
	sink *PipeSink

	haveStream bool
	streamID   uint8
	format     stream.VideoFormat
	firstWrite time.Time
	started    bool
	flip       []byte
}

func (w *pipeWorker) Read(hdr *stream.Header, data []byte) (int, bool, error) {
	p := w.sink

	switch hdr.Type {
	case stream.TypeVideoFormat:
		// The first video stream wins, the consumer cannot switch
		// formats mid-run.
		if w.haveStream && hdr.StreamID != w.streamID {
			return 0, true, nil
		}
		format, err := stream.UnmarshalVideoFormat(data)
		if err != nil {
			return 0, false, err
		}
		if w.started && format != w.format {
			return 0, false, fmt.Errorf("video format of stream %d changed mid-run", hdr.StreamID)
		}
		w.haveStream = true
		w.streamID = hdr.StreamID
		w.format = format
		if err := p.startConsumer(format); err != nil {
			return 0, false, err
		}
		if !w.started {
			w.started = true
			w.firstWrite = time.Now().Add(p.cfg.Delay)
		}
		return 0, true, nil

	case stream.TypeVideoFrame:
		if !w.started || hdr.StreamID != w.streamID {
			return 0, true, nil
		}
		return 0, true, w.writeFrame(data)

	case stream.TypeClose:
		return 0, true, p.stopConsumer()
	}

	return 0, true, nil
}

func (w *pipeWorker) writeFrame(data []byte) error {
	p := w.sink

	if d := time.Until(w.firstWrite); d > 0 {
		time.Sleep(d)
	}

	out := data
	if p.cfg.Invert {
		out = w.invert(data)
	}

	if err := p.stdin.SetWriteDeadline(time.Now().Add(p.waitTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := p.stdin.Write(out); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// invert flips the rows of a frame. Planar formats are flipped per
// plane.
func (w *pipeWorker) invert(data []byte) []byte {
	if cap(w.flip) < len(data) {
		w.flip = make([]byte, len(data))
	}
	out := w.flip[:len(data)]

	width, height := int(w.format.Width), int(w.format.Height)
	if w.format.PixFormat == stream.PixFmtYCbCr420 {
		n := flipPlane(out, data, width, height)
		cw, ch := width/2, height/2
		n += flipPlane(out[n:], data[n:], cw, ch)
		flipPlane(out[n:], data[n:], cw, ch)
		return out
	}

	row := len(data) / height
	flipPlane(out, data, row, height)
	return out
}

// flipPlane copies rows of src into dst in reverse order and returns the
// plane size.
func flipPlane(dst, src []byte, row, height int) int {
	for y := 0; y < height; y++ {
		copy(dst[y*row:(y+1)*row], src[(height-1-y)*row:])
	}
	return row * height
}
