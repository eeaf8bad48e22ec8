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
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strec/pkg/pipeline"
	"strec/pkg/ringbuf"
	"strec/pkg/stream"
	"sync"
)

// sizePrefixLen is the length of the frame size prefix.
const sizePrefixLen = 4

// maxFrameSize rejects nonsense size prefixes in corrupt files.
const maxFrameSize = 1 << 30

// FileSinkConfig configures a FileSink.
type FileSinkConfig struct {
	Session *pipeline.Session

	// Sync opens targets with O_SYNC.
	Sync bool

	// Callback runs inline in the writing thread when a callback request
	// message arrives. The request itself is never written to the
	// target, and no other message is written while the callback runs.
	Callback func(req stream.CallbackRequest) error
}

// FileSink writes a message stream to a file. Targets can be rotated
// mid-capture from the Callback hook, the tracker keeps the format
// messages needed to make each new target self-describing.
type FileSink struct {
	sess     *pipeline.Session
	sync     bool
	callback func(req stream.CallbackRequest) error

	mu          sync.Mutex
	file        *os.File
	w           *bufio.Writer
	infoWritten bool

	tracker *Tracker
	stage   *pipeline.Stage
}

// NewFileSink creates a file sink with no open target.
func NewFileSink(cfg FileSinkConfig) (*FileSink, error) {
	if cfg.Session == nil {
		return nil, ringbuf.ErrInvalidArgument
	}
	return &FileSink{
		sess:     cfg.Session,
		sync:     cfg.Sync,
		callback: cfg.Callback,
		tracker:  NewTracker(),
	}, nil
}

// CanResume implements Sink. A file keeps its contents across a pause,
// capture can continue into the same target.
func (f *FileSink) CanResume() bool { return true }

// OpenTarget implements Sink.
func (f *FileSink) OpenTarget(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file != nil {
		return fmt.Errorf("target already open: %w", ErrInvalidState)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if f.sync {
		flags |= os.O_SYNC
	}
	file, err := os.OpenFile(name, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open target: %w", err)
	}

	f.file = file
	f.w = bufio.NewWriter(file)
	f.infoWritten = false
	return nil
}

// CloseTarget implements Sink.
func (f *FileSink) CloseTarget() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return fmt.Errorf("no open target: %w", ErrInvalidState)
	}
	err := f.w.Flush()
	if cerr := f.file.Close(); err == nil {
		err = cerr
	}
	f.file = nil
	f.w = nil
	f.infoWritten = false
	return err
}

// WriteInfo implements Sink.
func (f *FileSink) WriteInfo(info stream.Info, appName, date string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil || f.infoWritten {
		return ErrInvalidState
	}
	info.NameSize = uint32(len(appName))
	info.DateSize = uint32(len(date))

	buf := make([]byte, stream.InfoSize)
	if err := info.MarshalTo(buf); err != nil {
		return err
	}
	if _, err := f.w.Write(buf); err != nil {
		return err
	}
	if _, err := f.w.WriteString(appName); err != nil {
		return err
	}
	if _, err := f.w.WriteString(date); err != nil {
		return err
	}
	f.infoWritten = true
	return nil
}

// WriteEOF implements Sink.
func (f *FileSink) WriteEOF() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	hdr := stream.Header{Type: stream.TypeClose, Time: f.sess.Time()}
	if err := f.writeFrame(hdr, nil); err != nil {
		return err
	}
	return f.w.Flush()
}

// WriteState implements Sink.
func (f *FileSink) WriteState() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.tracker.Iterate(func(hdr stream.Header, payload []byte) error {
		return f.writeFrame(hdr, payload)
	})
}

// writeFrame appends one framed message. Callers hold f.mu.
func (f *FileSink) writeFrame(hdr stream.Header, payload []byte) error {
	if f.file == nil || !f.infoWritten {
		return ErrInvalidState
	}

	var buf [sizePrefixLen + stream.HeaderSize]byte
	binary.BigEndian.PutUint32(buf[:], uint32(stream.HeaderSize+len(payload)))
	if err := hdr.MarshalTo(buf[sizePrefixLen:]); err != nil {
		return err
	}
	if _, err := f.w.Write(buf[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := f.w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// StartWriting implements Sink.
func (f *FileSink) StartWriting(from *ringbuf.Buffer) error {
	if f.stage != nil {
		return ErrInvalidState
	}
	stage, err := pipeline.NewStage(pipeline.StageConfig{
		Name:    "file",
		Session: f.sess,
		From:    from,
		Threads: 1,
		NewWorker: func() (pipeline.Worker, error) {
			return &fileWorker{sink: f}, nil
		},
	})
	if err != nil {
		return err
	}
	f.stage = stage
	return stage.Start()
}

// WaitWriting implements Sink.
func (f *FileSink) WaitWriting() error {
	if f.stage == nil {
		return ErrInvalidState
	}
	err := f.stage.Wait()
	f.stage = nil

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.w != nil {
		if ferr := f.w.Flush(); err == nil {
			err = ferr
		}
	}
	return err
}

// fileWorker is the single writing thread. Everything happens in Read,
// the stage is a terminal consumer.
type fileWorker struct {
	pipeline.NopWorker
	sink *FileSink
}

func (w *fileWorker) Read(hdr *stream.Header, data []byte) (int, bool, error) {
	f := w.sink

	if hdr.Type == stream.TypeCallbackRequest {
		if f.callback == nil {
			return 0, true, nil
		}
		req, err := stream.UnmarshalCallbackRequest(data)
		if err != nil {
			return 0, false, err
		}
		return 0, true, f.callback(req)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracker.Submit(*hdr, data)
	return 0, true, f.writeFrame(*hdr, data)
}

// FileSource reads capture sessions back from a stream file. A file may
// hold several sessions, alternate ReadInfo and Read until ReadInfo
// returns io.EOF.
type FileSource struct {
	file *os.File
	r    *bufio.Reader
	info stream.Info
}

// OpenSource opens a stream file for reading.
func OpenSource(name string) (*FileSource, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	return &FileSource{file: file, r: bufio.NewReader(file)}, nil
}

// Close closes the source file.
func (f *FileSource) Close() error {
	return f.file.Close()
}

// Info returns the metadata of the session last opened by ReadInfo.
func (f *FileSource) Info() stream.Info {
	return f.info
}

// ReadInfo reads and validates the next session's metadata block. It
// returns io.EOF when the file holds no further session.
func (f *FileSource) ReadInfo() (stream.Info, string, string, error) {
	buf := make([]byte, stream.InfoSize)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return stream.Info{}, "", "", err
	}
	info, err := stream.UnmarshalInfo(buf)
	if err != nil {
		return stream.Info{}, "", "", err
	}
	if err := info.Validate(); err != nil {
		return stream.Info{}, "", "", err
	}

	name := make([]byte, info.NameSize)
	if _, err := io.ReadFull(f.r, name); err != nil {
		return stream.Info{}, "", "", fmt.Errorf("read app name: %w", err)
	}
	date := make([]byte, info.DateSize)
	if _, err := io.ReadFull(f.r, date); err != nil {
		return stream.Info{}, "", "", fmt.Errorf("read date: %w", err)
	}

	f.info = info
	return info, string(name), string(date), nil
}

// Read pumps the current session's messages into the buffer until the
// session's close message has been written. A file truncated before its
// close message still produces one, so downstream stages always stop
// cleanly.
func (f *FileSource) Read(to *ringbuf.Buffer) error {
	for {
		hdr, payload, err := f.readFrame()
		if errors.Is(err, io.EOF) {
			return f.writeClose(to)
		}
		if err != nil {
			return err
		}

		// Old files store frame and audio timestamps in microseconds.
		if f.info.Version < stream.VersionNanoTime &&
			(hdr.Type == stream.TypeVideoFrame || hdr.Type == stream.TypeAudioData) {
			hdr.Time *= 1000
		}

		if err := writeMessage(to, hdr, payload); err != nil {
			return err
		}
		if hdr.Type == stream.TypeClose {
			return nil
		}
	}
}

func (f *FileSource) readFrame() (stream.Header, []byte, error) {
	var hdr stream.Header
	var size uint32

	hdrBuf := make([]byte, stream.HeaderSize)
	var sizeBuf [sizePrefixLen]byte

	// Version 0x03 stores the header before the size prefix.
	legacy := f.info.Version == stream.VersionLegacyOrder

	if legacy {
		if _, err := io.ReadFull(f.r, hdrBuf); err != nil {
			return stream.Header{}, nil, eofOr(err, "read frame header")
		}
	}
	if _, err := io.ReadFull(f.r, sizeBuf[:]); err != nil {
		return stream.Header{}, nil, eofOr(err, "read frame size")
	}
	if !legacy {
		if _, err := io.ReadFull(f.r, hdrBuf); err != nil {
			return stream.Header{}, nil, eofOr(err, "read frame header")
		}
	}

	size = binary.BigEndian.Uint32(sizeBuf[:])
	if size < stream.HeaderSize || size > maxFrameSize {
		return stream.Header{}, nil, fmt.Errorf("corrupt frame size %d", size)
	}

	hdr, err := stream.UnmarshalHeader(hdrBuf)
	if err != nil {
		return stream.Header{}, nil, err
	}

	payload := make([]byte, size-stream.HeaderSize)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return stream.Header{}, nil, eofOr(err, "read frame payload")
	}
	return hdr, payload, nil
}

func (f *FileSource) writeClose(to *ringbuf.Buffer) error {
	return writeMessage(to, stream.Header{Type: stream.TypeClose}, nil)
}

// eofOr maps a clean EOF through and wraps a partial read.
func eofOr(err error, op string) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return fmt.Errorf("%s: %w", op, err)
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
