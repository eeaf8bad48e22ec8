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

package pipeline

import (
	"errors"
	"fmt"
	"strec/pkg/ringbuf"
	"strec/pkg/stream"
	"sync"
)

// Worker processes messages for one stage thread. Each worker is owned by
// exactly one goroutine, per-thread scratch state lives in the
// implementation. Embed NopWorker for default implementations.
type Worker interface {
	// Header inspects the message header before the payload is handled.
	Header(hdr *stream.Header) error

	// Read sees the full input message and sizes the output. writeSize
	// is the worst-case output payload size. A passthrough result
	// forwards the message unchanged without calling Write.
	Read(hdr *stream.Header, data []byte) (writeSize int, passthrough bool, err error)

	// Write produces the output payload and returns its actual size.
	// The header may be modified, it is marshaled after Write returns.
	Write(hdr *stream.Header, data, out []byte) (int, error)

	// Close runs after the message has been fully handled.
	Close(hdr stream.Header) error

	// Cleanup runs once when the worker's thread stops.
	Cleanup()
}

// NopWorker implements Worker with no-ops that forward every message
// unchanged.
type NopWorker struct{}

// Header implements Worker.
func (NopWorker) Header(*stream.Header) error { return nil }

// Read implements Worker.
func (NopWorker) Read(hdr *stream.Header, data []byte) (int, bool, error) {
	return 0, true, nil
}

// Write implements Worker.
func (NopWorker) Write(hdr *stream.Header, data, out []byte) (int, error) {
	return copy(out, data), nil
}

// Close implements Worker.
func (NopWorker) Close(stream.Header) error { return nil }

// Cleanup implements Worker.
func (NopWorker) Cleanup() {}

// StageConfig configures a worker-pool stage.
type StageConfig struct {
	Name    string
	Session *Session

	// From is the input buffer, required.
	From *ringbuf.Buffer

	// To is the output buffer. A stage without one is a terminal
	// consumer.
	To *ringbuf.Buffer

	// Threads is the worker count, at least 1.
	Threads int

	// NewWorker creates the per-thread worker.
	NewWorker func() (Worker, error)

	// Finish runs exactly once after the last worker has stopped, with
	// the stage's first fatal error or nil.
	Finish func(err error)
}

// Stage runs N workers pulling messages from one buffer and optionally
// pushing transformed messages to another, preserving message order.
//
// Order is preserved by the open-lock: a worker holds it from before its
// input read until just after its output reservation is opened, so output
// reservations are made in input order while the transform itself runs
// unlocked in parallel. The output buffer publishes reservations in
// reservation order regardless of commit order.
type Stage struct {
	name      string
	sess      *Session
	from, to  *ringbuf.Buffer
	newWorker func() (Worker, error)
	finishFn  func(error)

	openMu sync.Mutex

	mu      sync.Mutex
	stop    bool
	running int
	err     error // First fatal worker error.

	threads int
	started bool
	wg      sync.WaitGroup
}

// NewStage creates a stopped stage.
func NewStage(cfg StageConfig) (*Stage, error) {
	if cfg.From == nil || cfg.NewWorker == nil || cfg.Session == nil {
		return nil, ringbuf.ErrInvalidArgument
	}
	threads := cfg.Threads
	if threads < 1 {
		threads = 1
	}
	return &Stage{
		name:      cfg.Name,
		sess:      cfg.Session,
		from:      cfg.From,
		to:        cfg.To,
		newWorker: cfg.NewWorker,
		finishFn:  cfg.Finish,
		threads:   threads,
	}, nil
}

// Start spawns the worker threads. A stage is not restartable, recreate
// it for a new run.
func (s *Stage) Start() error {
	if s.started {
		panic("pipeline: stage restarted")
	}
	s.started = true

	workers := make([]Worker, 0, s.threads)
	for i := 0; i < s.threads; i++ {
		w, err := s.newWorker()
		if err != nil {
			for _, w := range workers {
				w.Cleanup()
			}
			return fmt.Errorf("create worker: %w", err)
		}
		workers = append(workers, w)
	}

	s.running = s.threads
	for _, w := range workers {
		s.wg.Add(1)
		go s.run(w)
	}
	return nil
}

// Wait joins all workers and returns the stage's first fatal error.
func (s *Stage) Wait() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stage) run(w Worker) {
	defer s.wg.Done()

	err := s.loop(w)
	benign := err == nil ||
		errors.Is(err, ErrInterrupted) ||
		errors.Is(err, ringbuf.ErrCancelled)
	if !benign {
		s.sess.Cancel(err)
		s.sess.Log.Error().
			Src(s.name).
			Session(s.sess.ID.String()).
			Msgf("worker: %v", err)
	}

	// The first worker out wakes its blocked siblings and upstream
	// producers. The output buffer is only cancelled on a failed run, a
	// clean close must reach downstream stages as a message.
	s.mu.Lock()
	firstOut := !s.stop
	s.stop = true
	s.mu.Unlock()
	if firstOut {
		s.from.Cancel()
		if s.sess.Cancelled() && s.to != nil {
			s.to.Cancel()
		}
	}

	w.Cleanup()

	s.mu.Lock()
	if !benign && s.err == nil {
		s.err = err
	}
	s.running--
	last := s.running == 0
	stageErr := s.err
	s.mu.Unlock()

	if last && s.finishFn != nil {
		s.finishFn(stageErr)
	}
}

// loop is the per-worker state machine. A nil return means a clean stop.
func (s *Stage) loop(w Worker) error {
	readWrite := s.to != nil

	for {
		locked := false
		unlock := func() {
			if locked {
				s.openMu.Unlock()
				locked = false
			}
		}

		if readWrite {
			s.openMu.Lock()
			locked = true
		}

		rt, err := s.from.ReserveRead()
		if err != nil {
			unlock()
			return err
		}

		hdr, payload, err := splitMessage(rt.Bytes())
		if err == nil {
			err = w.Header(&hdr)
		}

		var writeSize int
		var passthrough bool
		if err == nil {
			writeSize, passthrough, err = w.Read(&hdr, payload)
		}

		var wt *ringbuf.WriteTicket
		if err == nil && readWrite {
			if passthrough {
				writeSize = len(payload)
			}
			wt, err = s.to.ReserveWrite(stream.HeaderSize + writeSize)
		}
		unlock()
		if err != nil {
			rt.Release()
			return err
		}

		if readWrite {
			out := wt.Bytes()
			var n int
			if passthrough {
				n = copy(out[stream.HeaderSize:], payload)
			} else {
				n, err = w.Write(&hdr, payload, out[stream.HeaderSize:])
			}
			if err != nil {
				rt.Release()
				return err
			}
			if err := hdr.MarshalTo(out); err != nil {
				rt.Release()
				return err
			}
			if err := wt.Shrink(stream.HeaderSize + n); err != nil {
				rt.Release()
				return err
			}
			// A cancelled commit only means the run is going down,
			// the loop condition handles it.
			_ = wt.Commit()
		}

		rt.Release()

		if err := w.Close(hdr); err != nil {
			return err
		}

		if hdr.Type == stream.TypeClose {
			return nil
		}
		if s.sess.Cancelled() || s.stopped() {
			return nil
		}
	}
}

func (s *Stage) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop
}

func splitMessage(data []byte) (stream.Header, []byte, error) {
	hdr, err := stream.UnmarshalHeader(data)
	if err != nil {
		return stream.Header{}, nil, fmt.Errorf("message shorter than header: %w", err)
	}
	return hdr, data[stream.HeaderSize:], nil
}
