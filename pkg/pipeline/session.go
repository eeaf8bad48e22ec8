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

// Package pipeline provides the session context and the generic
// worker-pool stage that pipelines are assembled from.
package pipeline

import (
	"errors"
	"runtime"
	"strec/pkg/log"
	"strec/pkg/ringbuf"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ErrInterrupted means a worker was asked to stop. It ends the worker's
// loop without flagging a pipeline failure.
var ErrInterrupted = errors.New("interrupted")

// Session is the context for one pipeline run. It owns the run-wide
// cancellation flag, stream id allocation, the capture time base and the
// per-stage thread accounting.
type Session struct {
	ID  uuid.UUID
	Log *log.Logger

	mu        sync.Mutex
	cancelled bool
	err       error // First fatal error.
	buffers   []*ringbuf.Buffer

	streamID uint8

	timeMu sync.Mutex
	base   time.Time
	diff   time.Duration // Accumulated paused time.

	singleStages int
	multiStages  int
}

// NewSession creates a session with the time base set to now.
func NewSession(logger *log.Logger) *Session {
	return &Session{
		ID:   uuid.New(),
		Log:  logger,
		base: time.Now(),
	}
}

// RegisterBuffer adds a buffer to the cancellation walk. Registering on a
// cancelled session cancels the buffer immediately.
func (s *Session) RegisterBuffer(b *ringbuf.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		b.Cancel()
		return
	}
	s.buffers = append(s.buffers, b)
}

// Cancel flags the run as failed and cancels every registered buffer so
// no stage stays blocked. The first error wins, later ones are dropped.
// Idempotent.
func (s *Session) Cancel(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.cancelled = true
	buffers := s.buffers
	s.mu.Unlock()

	for _, b := range buffers {
		b.Cancel()
	}
}

// Cancelled reports whether the run was cancelled.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Err returns the first fatal error of the run, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// NextStreamID allocates a stream id unique within the session.
func (s *Session) NextStreamID() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamID++
	return s.streamID
}

// Time returns nanoseconds since the session time base, excluding paused
// time.
func (s *Session) Time() int64 {
	s.timeMu.Lock()
	defer s.timeMu.Unlock()
	return (time.Since(s.base) - s.diff).Nanoseconds()
}

// AddTimeDiff excludes d from the session clock. Used when resuming a
// paused capture so timestamps do not jump over the gap.
func (s *Session) AddTimeDiff(d time.Duration) {
	s.timeMu.Lock()
	defer s.timeMu.Unlock()
	s.diff += d
}

// AccountStage registers a stage for thread hint computation before the
// pipeline starts. Single-threaded stages get one cpu reserved, the rest
// is split between the multi-threaded ones.
func (s *Session) AccountStage(single, multi bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if single {
		s.singleStages++
	}
	if multi {
		s.multiStages++
	}
}

// ThreadHint returns the per-stage worker count for multi-threaded
// stages, based on the accounted stages and available cpus.
func (s *Session) ThreadHint() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cpus, err := cpu.Counts(false)
	if err != nil || cpus < 1 {
		cpus = runtime.NumCPU()
	}

	hint := cpus - s.singleStages
	if s.multiStages > 0 {
		hint /= s.multiStages
	}
	if hint < 1 {
		hint = 1
	}
	return hint
}
